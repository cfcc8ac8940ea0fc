package volumes

import "errors"

var (
	// ErrSourceNotFound is returned when the base image to clone does not exist
	ErrSourceNotFound = errors.New("source image not found")

	// ErrInvalidSize is returned for a zero or unparsable target size
	ErrInvalidSize = errors.New("invalid volume size")
)
