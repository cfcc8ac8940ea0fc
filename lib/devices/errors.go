package devices

import "errors"

var (
	// ErrBootDiskNotFound is returned when the domain has no file-backed disk at the boot target
	ErrBootDiskNotFound = errors.New("boot disk not found")

	// ErrInvalidDescriptor is returned when the domain XML cannot be parsed
	ErrInvalidDescriptor = errors.New("invalid domain descriptor")
)
