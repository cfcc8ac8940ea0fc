package images

import "time"

// Image status values
const (
	StatusReady       = "ready"
	StatusDownloading = "downloading"
)

// Image is a cached base disk image.
type Image struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Status     string    `json:"status"`
	SizeBytes  int64     `json:"size_bytes"`
	Sha256     string    `json:"sha256,omitempty"` // set only when this call downloaded the file
	ModifiedAt time.Time `json:"modified_at"`
}

// EnsureRequest names a base image and where to get it.
type EnsureRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"` // hex sha256, optionally prefixed with "sha256:"
}
