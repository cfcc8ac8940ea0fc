package seed

import "errors"

var (
	// ErrInvalidCredentials is returned unless exactly one of public key or password is set
	ErrInvalidCredentials = errors.New("exactly one of public key or password must be set")

	// ErrInvalidSpec is returned for malformed metadata or networking fields
	ErrInvalidSpec = errors.New("invalid seed spec")

	// ErrInvalidSeed is returned when the authored image does not carry the expected volume label
	ErrInvalidSeed = errors.New("authored seed image is invalid")
)
