package images

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("image not found")
	ErrInvalidName = errors.New("invalid image name")

	// ErrLockTimeout is returned when another writer holds the download lock past the deadline
	ErrLockTimeout = errors.New("timed out waiting for image lock")

	// ErrChecksumMismatch is matched by every *ChecksumMismatchError
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnexpectedContentType is returned when the catalog answers with JSON instead of image bytes
	ErrUnexpectedContentType = errors.New("unexpected content type")

	// ErrDownloadFailed is matched by every *StatusError
	ErrDownloadFailed = errors.New("download failed")

	// ErrBusy is returned when deleting an image that is being downloaded
	ErrBusy = errors.New("image is being downloaded")
)

// ChecksumMismatchError carries both digests so operators can tell a stale checksum from a corrupt transfer.
type ChecksumMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// StatusError reports a non-success HTTP status from the catalog.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool { return target == ErrDownloadFailed }
