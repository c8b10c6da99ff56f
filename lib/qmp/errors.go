package qmp

import "errors"

var (
	// ErrNoBackupDevice is returned when no block device qualifies as a
	// drive-backup source.
	ErrNoBackupDevice = errors.New("no block device eligible for backup")

	// ErrBackupTimeout is returned when a backup job outlives its overall
	// deadline.
	ErrBackupTimeout = errors.New("backup job deadline exceeded")

	// ErrMonitorFailure is returned when a human-monitor command reports an
	// error in its textual output.
	ErrMonitorFailure = errors.New("human monitor command failed")
)
