package instances

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the instance's
	// current state, or when a request is internally inconsistent.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidRequest is returned for malformed request fields
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAlreadyExists is returned when creating an instance whose name is taken
	ErrAlreadyExists = errors.New("instance already exists")
)

// StageError reports the reprovision stage that failed and why. Stages completed before
// the failure are not rolled back.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("reprovision failed at stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
