package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kernel/vmagent/lib/logger"
	"golang.org/x/sys/unix"
)

// DefaultExtension is the file extension of cached base images.
const DefaultExtension = ".qcow2"

var safeName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks name against the safe-name pattern. It performs no I/O.
func ValidateName(name string) error {
	if !safeName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// imagePath returns the installed image path
func (m *manager) imagePath(name string) string {
	return filepath.Join(m.paths.ImageDir(), name+m.ext)
}

// partPath returns the in-progress download path
func (m *manager) partPath(name string) string {
	return m.imagePath(name) + ".part"
}

// lockPath returns the download lock marker path
func (m *manager) lockPath(name string) string {
	return m.imagePath(name) + ".lock"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// acquireLock creates path exclusively, polling until timeout. The lock file holds the owner pid;
// a lock whose owner has exited is broken instead of waited on.
func acquireLock(ctx context.Context, path string, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock: %w", err)
		}
		if pid, ok := breakStaleLock(path); ok {
			logger.FromContext(ctx).WarnContext(ctx, "removed stale image lock", "path", path, "pid", pid)
			continue
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, filepath.Base(path), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// breakStaleLock removes the lock at path when the pid it records no longer exists.
// A lock without a readable pid is left alone since its owner may still be writing it.
func breakStaleLock(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		return 0, false
	}
	// Another waiter may have broken it and taken the lock in the meantime
	if cur, err := os.ReadFile(path); err != nil || !bytes.Equal(cur, data) {
		return 0, false
	}
	if err := os.Remove(path); err != nil {
		return 0, false
	}
	return pid, true
}

func releaseLock(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// listImages scans the cache directory. Partially downloaded images are reported as downloading.
func (m *manager) listImages() ([]Image, error) {
	entries, err := os.ReadDir(m.paths.ImageDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Image{}, nil
		}
		return nil, fmt.Errorf("read image dir: %w", err)
	}

	seen := make(map[string]bool)
	images := make([]Image, 0, len(entries))
	for _, e := range entries {
		fileName := e.Name()
		var name string
		switch {
		case strings.HasSuffix(fileName, m.ext):
			name = strings.TrimSuffix(fileName, m.ext)
		case strings.HasSuffix(fileName, m.ext+".part"):
			name = strings.TrimSuffix(fileName, m.ext+".part")
		default:
			continue
		}
		if seen[name] || ValidateName(name) != nil {
			continue
		}
		seen[name] = true
		img, err := m.stat(name)
		if err != nil {
			continue
		}
		images = append(images, *img)
	}
	return images, nil
}

func (m *manager) stat(name string) (*Image, error) {
	if info, err := os.Stat(m.imagePath(name)); err == nil {
		return &Image{
			Name:       name,
			Path:       m.imagePath(name),
			Status:     StatusReady,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		}, nil
	}
	if info, err := os.Stat(m.partPath(name)); err == nil && fileExists(m.lockPath(name)) {
		return &Image{
			Name:       name,
			Path:       m.imagePath(name),
			Status:     StatusDownloading,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		}, nil
	}
	return nil, ErrNotFound
}
