package supervisor

import "errors"

var (
	// ErrImageMissing is returned when the boot disk is absent.
	ErrImageMissing = errors.New("boot image missing")

	// ErrLaunchFailed is returned when the hypervisor exits nonzero during
	// daemonization. The wrapped message carries captured stderr.
	ErrLaunchFailed = errors.New("hypervisor launch failed")

	// ErrPidfileMissing is returned when the hypervisor started but never
	// wrote its pidfile within the wait deadline.
	ErrPidfileMissing = errors.New("hypervisor pidfile missing")
)
