package images

import "errors"

var (
	// ErrInstallerOnly is returned when an overlay is requested for a
	// profile that has no overlay fields.
	ErrInstallerOnly = errors.New("profile is installer-only; overlays are not supported")

	// ErrImageNotFound is returned when an installer or snapshot file is
	// absent, truncated, or not a regular file.
	ErrImageNotFound = errors.New("image not found")

	// ErrNotBootable is returned when an installer image carries no
	// ISO9660/UDF volume descriptor.
	ErrNotBootable = errors.New("not a bootable ISO9660/UDF image")
)
