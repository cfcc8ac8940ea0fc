// Package volumes prepares VM boot volumes with qemu-img.
package volumes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/tools"
)

const qemuImg = "qemu-img"

// Manager clones, sizes and creates qcow2 volumes.
type Manager interface {
	// CloneVolume replaces destPath with a standalone copy of basePath resized to size.
	// The destination's owner, group and mode are preserved when possible.
	CloneVolume(ctx context.Context, basePath, destPath string, size datasize.ByteSize) error
	// VirtualSize reports the guest-visible size of an image, rounded up to whole GiB.
	VirtualSize(ctx context.Context, path string) (datasize.ByteSize, error)
	// CreateVolume creates an empty qcow2 volume of size.
	CreateVolume(ctx context.Context, path string, size datasize.ByteSize) error
}

type manager struct {
	runner tools.Runner
}

// NewManager creates a volume manager that shells out through runner.
func NewManager(runner tools.Runner) Manager {
	return &manager{runner: runner}
}

// RoundUpGiB rounds size up to a whole number of GiB, with a minimum of 1 GiB.
func RoundUpGiB(size datasize.ByteSize) datasize.ByteSize {
	gib := (uint64(size) + uint64(datasize.GB) - 1) / uint64(datasize.GB)
	if gib < 1 {
		gib = 1
	}
	return datasize.ByteSize(gib) * datasize.GB
}

// sizeArg formats size as a qemu-img size argument in whole GiB, e.g. "20G".
func sizeArg(size datasize.ByteSize) string {
	return fmt.Sprintf("%dG", uint64(RoundUpGiB(size)/datasize.GB))
}

func (m *manager) CloneVolume(ctx context.Context, basePath, destPath string, size datasize.ByteSize) error {
	start := time.Now()
	log := logger.FromContext(ctx)

	// 1. Preconditions
	if info, err := os.Stat(basePath); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, basePath)
	}
	if _, err := m.runner.LookPath(qemuImg); err != nil {
		return err
	}
	if size == 0 {
		return ErrInvalidSize
	}

	tmpPath := destPath + ".tmp"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale temp volume: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WarnContext(ctx, "failed to remove temp volume", "path", tmpPath, "error", err)
		}
	}()

	// 2. Convert to a standalone image next to the destination
	log.InfoContext(ctx, "converting base image", "base", basePath, "dest", destPath)
	if _, err := m.runner.Run(ctx, qemuImg, "convert", "-O", "qcow2", basePath, tmpPath); err != nil {
		return fmt.Errorf("convert base image: %w", err)
	}

	// 3. Resize
	if _, err := m.runner.Run(ctx, qemuImg, "resize", tmpPath, sizeArg(size)); err != nil {
		return fmt.Errorf("resize volume: %w", err)
	}

	// 4. Capture ownership, swap in, restore ownership
	owner, err := captureOwnership(destPath)
	if err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("replace volume: %w", err)
	}
	if owner != nil {
		if err := owner.restore(destPath); err != nil {
			if !errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("restore ownership: %w", err)
			}
			log.WarnContext(ctx, "could not restore volume ownership", "path", destPath, "error", err)
		}
	}

	log.InfoContext(ctx, "volume cloned", "dest", destPath, "size", sizeArg(size),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *manager) VirtualSize(ctx context.Context, path string) (datasize.ByteSize, error) {
	out, err := m.runner.Run(ctx, qemuImg, "info", "--output=json", path)
	if err != nil {
		return 0, fmt.Errorf("inspect volume: %w", err)
	}
	var info struct {
		VirtualSize uint64 `json:"virtual-size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("parse qemu-img info: %w", err)
	}
	return RoundUpGiB(datasize.ByteSize(info.VirtualSize)), nil
}

func (m *manager) CreateVolume(ctx context.Context, path string, size datasize.ByteSize) error {
	if size == 0 {
		return ErrInvalidSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create volume dir: %w", err)
	}
	if _, err := m.runner.Run(ctx, qemuImg, "create", "-f", "qcow2", path, sizeArg(size)); err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "volume created", "path", path, "size", sizeArg(size))
	return nil
}
