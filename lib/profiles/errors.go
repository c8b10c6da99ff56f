package profiles

import "errors"

var (
	// ErrUnknownProfile is returned when a tag is not in the table.
	ErrUnknownProfile = errors.New("unknown os profile")
)
