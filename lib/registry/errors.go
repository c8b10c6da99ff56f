package registry

import "errors"

// ErrNotFound is returned when no record exists for an instance id.
var ErrNotFound = errors.New("instance not found in registry")
