package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"strings"
	"time"

	"github.com/kernel/vmagent/lib/logger"
)

const chunkSize = 1 << 20

// download runs one locked download-and-install attempt.
func (m *manager) download(ctx context.Context, req EnsureRequest) (*Image, error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	finalPath := m.imagePath(req.Name)
	partPath := m.partPath(req.Name)
	lockPath := m.lockPath(req.Name)

	if err := os.MkdirAll(m.paths.ImageDir(), 0755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	// 1. Take the per-name lock
	if err := acquireLock(ctx, lockPath, m.cfg.LockTimeout, m.cfg.PollInterval); err != nil {
		log.ErrorContext(ctx, "failed to acquire image lock", "name", req.Name, "error", err)
		return nil, err
	}
	defer func() {
		if err := releaseLock(lockPath); err != nil {
			log.WarnContext(ctx, "failed to release image lock", "name", req.Name, "error", err)
		}
	}()

	// 2. Another writer may have finished while we waited
	if img, err := m.stat(req.Name); err == nil && img.Status == StatusReady {
		log.InfoContext(ctx, "image installed by another writer", "name", req.Name)
		m.recordPull(ctx, "cached")
		return img, nil
	}

	// 3. Stream into the part file
	defer func() {
		if err := os.Remove(partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WarnContext(ctx, "failed to remove part file", "path", partPath, "error", err)
		}
	}()

	log.InfoContext(ctx, "downloading image", "name", req.Name, "url", req.URL)
	digest, size, err := m.fetchTo(ctx, req.URL, partPath)
	if err != nil {
		log.ErrorContext(ctx, "image download failed", "name", req.Name, "error", err)
		m.recordPull(ctx, "failed")
		return nil, err
	}

	// 4. Verify
	if expected := normalizeChecksum(req.Checksum); expected != "" && expected != digest {
		m.recordPull(ctx, "checksum_mismatch")
		return nil, &ChecksumMismatchError{Name: req.Name, Expected: expected, Actual: digest}
	}

	// 5. Install atomically
	if err := os.Rename(partPath, finalPath); err != nil {
		m.recordPull(ctx, "failed")
		return nil, fmt.Errorf("install image: %w", err)
	}

	m.recordPull(ctx, "success")
	m.recordDownloadDuration(ctx, start)
	log.InfoContext(ctx, "image installed", "name", req.Name, "size_bytes", size,
		"sha256", digest, "duration_ms", time.Since(start).Milliseconds())

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("stat installed image: %w", err)
	}
	return &Image{
		Name:       req.Name,
		Path:       finalPath,
		Status:     StatusReady,
		SizeBytes:  info.Size(),
		Sha256:     digest,
		ModifiedAt: info.ModTime(),
	}, nil
}

// fetchTo streams rawURL into path and returns the hex sha256 and byte count.
func (m *manager) fetchTo(ctx context.Context, rawURL, path string) (string, int64, error) {
	resp, err := m.getter.Get(ctx, rawURL, nil, "")
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	if isJSON(resp.Header.Get("Content-Type")) {
		return "", 0, fmt.Errorf("%w: %s (expected a direct download url)", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("create part file: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(f, h), resp.Body, buf)
	if err != nil {
		f.Close()
		return "", n, fmt.Errorf("%w: stream body: %w", ErrDownloadFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", n, fmt.Errorf("sync part file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", n, fmt.Errorf("close part file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	mediaType = strings.ToLower(mediaType)
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func normalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "sha256:")
}
