package instances

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kernel/vmagent/lib/logger"
)

// FinalizeInstance detaches the seed once the guest has applied it. The only
// precondition is that the domain exists; entries are matched by seed path, and a
// running domain is detached live as well. The seed file is deleted only when it
// lives in the seed directory.
func (m *manager) FinalizeInstance(ctx context.Context, name string, req FinalizeRequest) (*FinalizeResult, error) {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "FinalizeInstance")
	defer end()

	dom, err := m.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	seedPath := req.SeedPath
	if seedPath == "" {
		seedPath, err = m.paths.SeedISO(name)
		if err != nil {
			return nil, fmt.Errorf("derive seed path: %w", err)
		}
	}

	detached, err := m.devices.Detach(ctx, dom, seedPath)
	if err != nil {
		return nil, err
	}
	result := &FinalizeResult{SeedPath: seedPath, Detached: detached}

	if req.DeleteSeed {
		deleted, err := m.removeSeed(ctx, seedPath)
		if err != nil {
			return nil, err
		}
		result.SeedDeleted = deleted
	}

	log.InfoContext(ctx, "instance finalized", "name", name, "seed", seedPath, "detached", len(detached), "seed_deleted", result.SeedDeleted)
	return result, nil
}

// removeSeed deletes path if it is inside the seed directory. A missing file counts as deleted.
func (m *manager) removeSeed(ctx context.Context, path string) (bool, error) {
	if !m.paths.InSeedDir(path) {
		logger.FromContext(ctx).WarnContext(ctx, "refusing to delete seed outside seed dir", "path", path, "seed_dir", m.paths.SeedDir())
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove seed %s: %w", path, err)
	}
	return true, nil
}

// DeleteInstance force-stops and undefines the domain, then removes its pool boot disk
// and seed. File removal is best effort.
func (m *manager) DeleteInstance(ctx context.Context, name string) error {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "DeleteInstance")
	defer end()

	dom, err := m.lookup(ctx, name)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "deleting instance", "name", name)

	// 1. Resolve the boot disk while the definition still exists
	bootDisk, err := m.devices.ResolveBootDiskPath(ctx, dom)
	if err != nil {
		log.WarnContext(ctx, "no boot disk to remove", "name", name, "error", err)
		bootDisk = ""
	}

	// 2. Force stop
	active, err := dom.IsActive(ctx)
	if err != nil {
		return fmt.Errorf("check domain active: %w", err)
	}
	if active {
		if err := dom.Destroy(ctx); err != nil {
			return fmt.Errorf("force stop %s: %w", name, err)
		}
	}

	// 3. Undefine
	if err := dom.Undefine(ctx); err != nil {
		return fmt.Errorf("undefine %s: %w", name, err)
	}
	m.recordStateTransition(ctx, "", "deleted")

	// 4. Best-effort file cleanup. Disks outside the pool belong to someone else.
	if bootDisk != "" && !m.paths.InPoolDir(bootDisk) {
		log.InfoContext(ctx, "keeping boot disk outside pool dir", "name", name, "path", bootDisk)
	} else if bootDisk != "" {
		if err := os.Remove(bootDisk); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WarnContext(ctx, "failed to remove boot disk", "name", name, "path", bootDisk, "error", err)
		}
	}
	if seedPath, err := m.paths.SeedISO(name); err == nil {
		if _, err := m.removeSeed(ctx, seedPath); err != nil {
			log.WarnContext(ctx, "failed to remove seed", "name", name, "path", seedPath, "error", err)
		}
	}

	log.InfoContext(ctx, "instance deleted", "name", name)
	return nil
}
