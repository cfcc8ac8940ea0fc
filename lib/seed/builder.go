// Package seed builds cloud-init NoCloud seed images.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/tools"
)

// VolumeLabel is the ISO volume id cloud-init looks for.
const VolumeLabel = "cidata"

// authoringTools are tried in order; both accept the same flags.
var authoringTools = []string{"genisoimage", "mkisofs"}

// Builder renders seeds and packs them into ISO images.
type Builder struct {
	runner  tools.Runner
	tempDir string
}

// NewBuilder creates a Builder. tempDir is the parent for render directories; empty means os.TempDir().
func NewBuilder(runner tools.Runner, tempDir string) *Builder {
	return &Builder{runner: runner, tempDir: tempDir}
}

// Prepare validates spec, checks that an authoring tool is installed and hashes a
// plain password, returning a spec whose Build needs no further credential work.
// Callers about to do something destructive run it first so a seed that cannot be
// built is reported while nothing has changed yet.
func (b *Builder) Prepare(ctx context.Context, spec Spec) (Spec, error) {
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	if _, err := b.authoringTool(); err != nil {
		return Spec{}, err
	}
	if c, ok := spec.Credentials.(Password); ok && c.Hash == "" {
		hash, err := hashPassword(ctx, b.runner, c.Password)
		if err != nil {
			return Spec{}, err
		}
		spec.Credentials = Password{Username: c.Username, Hash: hash}
	}
	return spec, nil
}

// Build writes a seed image for spec to isoPath and returns isoPath.
func (b *Builder) Build(ctx context.Context, spec Spec, isoPath string) (string, error) {
	log := logger.FromContext(ctx)

	// 1. Validate and pick a tool before doing any work
	if err := spec.Validate(); err != nil {
		return "", err
	}
	tool, err := b.authoringTool()
	if err != nil {
		return "", err
	}

	// 2. Render
	docs, err := Render(ctx, b.runner, spec)
	if err != nil {
		return "", err
	}

	// 3. Write documents to a private render directory
	renderDir, err := os.MkdirTemp(b.tempDir, "seed-"+spec.Meta.InstanceID+"-")
	if err != nil {
		return "", fmt.Errorf("create render dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(renderDir); err != nil {
			log.WarnContext(ctx, "failed to remove seed render dir", "path", renderDir, "error", err)
		}
	}()

	files := []struct {
		name string
		data []byte
	}{
		{FileMetaData, docs.MetaData},
		{FileNetworkConfig, docs.NetworkConfig},
		{FileUserData, docs.UserData},
	}
	var paths []string
	for _, f := range files {
		if f.data == nil {
			continue
		}
		p := filepath.Join(renderDir, f.name)
		if err := os.WriteFile(p, f.data, 0600); err != nil {
			return "", fmt.Errorf("write %s: %w", f.name, err)
		}
		paths = append(paths, p)
	}

	// 4. Author the ISO next to its final location, verify, then move into place
	if err := os.MkdirAll(filepath.Dir(isoPath), 0755); err != nil {
		return "", fmt.Errorf("create seed dir: %w", err)
	}
	tmpISO := isoPath + ".tmp"
	defer func() {
		if err := os.Remove(tmpISO); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.WarnContext(ctx, "failed to remove temp seed", "path", tmpISO, "error", err)
		}
	}()

	args := append([]string{"-output", tmpISO, "-volid", VolumeLabel, "-joliet", "-rock"}, paths...)
	if _, err := b.runner.Run(ctx, tool, args...); err != nil {
		return "", fmt.Errorf("author seed image: %w", err)
	}
	if err := verifyLabel(tmpISO); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpISO, 0644); err != nil {
		return "", fmt.Errorf("chmod seed image: %w", err)
	}
	if err := os.Rename(tmpISO, isoPath); err != nil {
		return "", fmt.Errorf("install seed image: %w", err)
	}

	log.InfoContext(ctx, "seed image built", "instance_id", spec.Meta.InstanceID,
		"path", isoPath, "tool", tool, "network_config", docs.NetworkConfig != nil)
	return isoPath, nil
}

func (b *Builder) authoringTool() (string, error) {
	for _, t := range authoringTools {
		if _, err := b.runner.LookPath(t); err == nil {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: need one of %s", tools.ErrToolUnavailable, strings.Join(authoringTools, ", "))
}

// verifyLabel opens the image and checks its primary volume label.
func verifyLabel(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed image: %w", err)
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	label, err := img.Label()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if !strings.EqualFold(strings.TrimSpace(label), VolumeLabel) {
		return fmt.Errorf("%w: volume label %q", ErrInvalidSeed, label)
	}
	return nil
}
