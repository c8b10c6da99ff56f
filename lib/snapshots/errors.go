package snapshots

import "errors"

var (
	// ErrVmNotRunning is returned when an instance has no live control
	// socket to snapshot through.
	ErrVmNotRunning = errors.New("instance is not running")

	// ErrSnapshotNotFound is returned when a named snapshot does not exist
	// in the user's snapshot set.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrBackupFailed is returned when a backup job finished but produced no
	// usable output file.
	ErrBackupFailed = errors.New("backup produced no output")

	// ErrNoBillingSource is returned when no file exists to price the
	// snapshot against.
	ErrNoBillingSource = errors.New("no billing source file for instance")
)
