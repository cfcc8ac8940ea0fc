// Package paths centralizes the agent's on-disk layout.
//
//	{dataDir}/
//	  cloudimgs/
//	    {name}.qcow2         installed base image
//	    {name}.qcow2.part    in-progress download
//	    {name}.qcow2.lock    download lock marker
//	  pool/
//	    {vm}.qcow2           boot disks created by the agent
//	{seedDir}/
//	  {vm}-seed.iso          first-boot seed images
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Paths resolves every file location used by the agent.
type Paths struct {
	dataDir  string
	imageDir string
	poolDir  string
	seedDir  string
}

// New creates Paths rooted at dataDir. Empty overrides fall back to subdirectories of dataDir,
// except seedDir which falls back to the system scratch directory /tmp.
func New(dataDir, imageDir, poolDir, seedDir string) *Paths {
	if imageDir == "" {
		imageDir = filepath.Join(dataDir, "cloudimgs")
	}
	if poolDir == "" {
		poolDir = filepath.Join(dataDir, "pool")
	}
	if seedDir == "" {
		seedDir = "/tmp"
	}
	return &Paths{
		dataDir:  filepath.Clean(dataDir),
		imageDir: filepath.Clean(imageDir),
		poolDir:  filepath.Clean(poolDir),
		seedDir:  filepath.Clean(seedDir),
	}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string { return p.dataDir }

// ImageDir returns the base image cache directory.
func (p *Paths) ImageDir() string { return p.imageDir }

// PoolDir returns the directory holding boot disks created by the agent.
func (p *Paths) PoolDir() string { return p.poolDir }

// SeedDir returns the scratch directory for seed images.
func (p *Paths) SeedDir() string { return p.seedDir }

// PoolDisk returns the boot disk path for a VM created by the agent.
func (p *Paths) PoolDisk(vmName string) (string, error) {
	return securejoin.SecureJoin(p.poolDir, vmName+".qcow2")
}

// SeedISO returns the conventional seed image path for a VM.
func (p *Paths) SeedISO(vmName string) (string, error) {
	return securejoin.SecureJoin(p.seedDir, vmName+"-seed.iso")
}

// InSeedDir reports whether path resolves to a file strictly inside the seed directory.
// Symlinks are resolved within the seed directory, so a link pointing elsewhere does not count.
func (p *Paths) InSeedDir(path string) bool {
	return within(p.seedDir, path)
}

// InPoolDir reports whether path resolves to a file strictly inside the pool directory.
func (p *Paths) InPoolDir(path string) bool {
	return within(p.poolDir, path)
}

func within(root, path string) bool {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	resolved, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return false
	}
	return resolved == clean
}

// String implements fmt.Stringer for log output.
func (p *Paths) String() string {
	return fmt.Sprintf("data=%s images=%s pool=%s seeds=%s", p.dataDir, p.imageDir, p.poolDir, p.seedDir)
}
