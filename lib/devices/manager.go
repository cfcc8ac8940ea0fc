// Package devices reconciles a domain's disks: it lists and swaps removable
// media, finds the boot disk and inspects the network mode.
package devices

import (
	"context"
	"fmt"

	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/samber/lo"
	"libvirt.org/go/libvirtxml"
)

// Manager inspects and mutates a domain's device list.
type Manager interface {
	ListRemovableMedia(ctx context.Context, dom hypervisor.Domain) ([]Entry, error)
	// Detach removes removable media backed by matchPath, or all removable media when
	// matchPath is empty. It returns what was detached.
	Detach(ctx context.Context, dom hypervisor.Domain, matchPath string) ([]Entry, error)
	// DetachTarget removes removable media attached at target.
	DetachTarget(ctx context.Context, dom hypervisor.Domain, target string) ([]Entry, error)
	// Attach adds a read-only removable-media entry backed by isoPath at target.
	Attach(ctx context.Context, dom hypervisor.Domain, isoPath, target string) error
	ResolveBootDiskPath(ctx context.Context, dom hypervisor.Domain) (string, error)
	UsesHostNAT(ctx context.Context, dom hypervisor.Domain) (bool, error)
}

type manager struct {
	natNetworks []string
}

// NewManager creates a device manager. natNetworks names the libvirt networks that
// provide NAT and DHCP to their guests.
func NewManager(natNetworks []string) Manager {
	return &manager{natNetworks: natNetworks}
}

func describe(ctx context.Context, dom hypervisor.Domain) (*libvirtxml.Domain, error) {
	raw, err := dom.XMLDesc(ctx)
	if err != nil {
		return nil, fmt.Errorf("read domain xml: %w", err)
	}
	var def libvirtxml.Domain
	if err := def.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if def.Devices == nil {
		def.Devices = &libvirtxml.DomainDeviceList{}
	}
	return &def, nil
}

func diskSource(d libvirtxml.DomainDisk) string {
	if d.Source == nil || d.Source.File == nil {
		return ""
	}
	return d.Source.File.File
}

func (m *manager) ListRemovableMedia(ctx context.Context, dom hypervisor.Domain) ([]Entry, error) {
	def, err := describe(ctx, dom)
	if err != nil {
		return nil, err
	}

	cdroms := lo.Filter(def.Devices.Disks, func(d libvirtxml.DomainDisk, _ int) bool {
		return d.Device == DeviceCDROM
	})
	entries := make([]Entry, 0, len(cdroms))
	for _, d := range cdroms {
		raw, err := d.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal disk: %w", err)
		}
		e := Entry{Source: diskSource(d), Raw: raw}
		if d.Target != nil {
			e.Target = d.Target.Dev
			e.Bus = d.Target.Bus
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *manager) Detach(ctx context.Context, dom hypervisor.Domain, matchPath string) ([]Entry, error) {
	return m.detachWhere(ctx, dom, func(e Entry) bool {
		return matchPath == "" || e.Source == matchPath
	})
}

func (m *manager) DetachTarget(ctx context.Context, dom hypervisor.Domain, target string) ([]Entry, error) {
	return m.detachWhere(ctx, dom, func(e Entry) bool {
		return e.Target == target
	})
}

func (m *manager) detachWhere(ctx context.Context, dom hypervisor.Domain, match func(Entry) bool) ([]Entry, error) {
	log := logger.FromContext(ctx)

	entries, err := m.ListRemovableMedia(ctx, dom)
	if err != nil {
		return nil, err
	}
	toDetach := lo.Filter(entries, func(e Entry, _ int) bool { return match(e) })
	if len(toDetach) == 0 {
		return []Entry{}, nil
	}

	flags := hypervisor.DeviceConfig
	active, err := dom.IsActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("check domain active: %w", err)
	}
	if active {
		flags |= hypervisor.DeviceLive
	}

	detached := make([]Entry, 0, len(toDetach))
	for _, e := range toDetach {
		if err := dom.DetachDevice(ctx, e.Raw, flags); err != nil {
			return detached, fmt.Errorf("detach %s (%s): %w", e.Target, e.Source, err)
		}
		log.InfoContext(ctx, "detached removable media", "name", dom.Name(), "target", e.Target, "source", e.Source, "live", active)
		detached = append(detached, e)
	}
	return detached, nil
}

// SeedDiskXML renders the read-only cdrom fragment for isoPath at target.
func SeedDiskXML(isoPath, target string) (string, error) {
	disk := libvirtxml.DomainDisk{
		Device: DeviceCDROM,
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: isoPath},
		},
		Target:   &libvirtxml.DomainDiskTarget{Dev: target, Bus: SeedBus},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	}
	return disk.Marshal()
}

func (m *manager) Attach(ctx context.Context, dom hypervisor.Domain, isoPath, target string) error {
	xml, err := SeedDiskXML(isoPath, target)
	if err != nil {
		return fmt.Errorf("render cdrom xml: %w", err)
	}
	if err := dom.AttachDevice(ctx, xml, hypervisor.DeviceConfig); err != nil {
		return fmt.Errorf("attach %s at %s: %w", isoPath, target, err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "attached removable media", "name", dom.Name(), "target", target, "source", isoPath)
	return nil
}

func (m *manager) ResolveBootDiskPath(ctx context.Context, dom hypervisor.Domain) (string, error) {
	def, err := describe(ctx, dom)
	if err != nil {
		return "", err
	}
	disk, ok := lo.Find(def.Devices.Disks, func(d libvirtxml.DomainDisk) bool {
		return d.Device == DeviceDisk && d.Target != nil && d.Target.Dev == BootTarget && diskSource(d) != ""
	})
	if !ok {
		return "", fmt.Errorf("%w: no %s disk on %s", ErrBootDiskNotFound, BootTarget, dom.Name())
	}
	return diskSource(disk), nil
}

// UsesHostNAT reports whether the domain's first interface gets its address from the host:
// user-mode networking or a libvirt network listed as NAT.
func (m *manager) UsesHostNAT(ctx context.Context, dom hypervisor.Domain) (bool, error) {
	def, err := describe(ctx, dom)
	if err != nil {
		return false, err
	}
	if len(def.Devices.Interfaces) == 0 {
		return false, nil
	}
	src := def.Devices.Interfaces[0].Source
	switch {
	case src == nil:
		return false, nil
	case src.User != nil:
		return true, nil
	case src.Network != nil:
		return lo.Contains(m.natNetworks, src.Network.Network), nil
	}
	return false, nil
}
