package instances

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/samber/lo"
	"libvirt.org/go/libvirtxml"
)

// mbpsToKiBps converts megabits per second to the KiB/s libvirt bandwidth elements use.
func mbpsToKiBps(mbps float64) int {
	return int(mbps * 1_000_000 / 8 / 1024)
}

func (r CreateRequest) validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.VCPUs < 1 {
		return fmt.Errorf("%w: vcpus must be at least 1", ErrInvalidRequest)
	}
	if r.MemoryMiB < 128 {
		return fmt.Errorf("%w: memory must be at least 128 MiB", ErrInvalidRequest)
	}
	if r.DiskSizeGiB < 1 {
		return fmt.Errorf("%w: disk_size must be at least 1 GiB", ErrInvalidRequest)
	}
	if _, err := net.ParseMAC(r.MACAddress); err != nil {
		return fmt.Errorf("%w: invalid mac %q", ErrInvalidRequest, r.MACAddress)
	}
	return nil
}

func bandwidthParams(avg, peak, burst float64) *libvirtxml.DomainInterfaceBandwidthParams {
	if avg <= 0 {
		return nil
	}
	params := &libvirtxml.DomainInterfaceBandwidthParams{Average: lo.ToPtr(mbpsToKiBps(avg))}
	if peak > 0 {
		params.Peak = lo.ToPtr(mbpsToKiBps(peak))
	}
	if burst > 0 {
		params.Burst = lo.ToPtr(mbpsToKiBps(burst))
	}
	return params
}

// domainXML builds the definition for a new instance booting from diskPath.
func domainXML(req CreateRequest, diskPath, network string) (string, error) {
	iface := libvirtxml.DomainInterface{
		MAC:    &libvirtxml.DomainInterfaceMAC{Address: req.MACAddress},
		Source: &libvirtxml.DomainInterfaceSource{Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network}},
		Model:  &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	in := bandwidthParams(req.Network.InAvgMbps, req.Network.InPeakMbps, req.Network.InBurstMbps)
	out := bandwidthParams(req.Network.OutAvgMbps, req.Network.OutPeakMbps, req.Network.OutBurstMbps)
	if in != nil || out != nil {
		iface.Bandwidth = &libvirtxml.DomainInterfaceBandwidth{Inbound: in, Outbound: out}
	}

	dom := libvirtxml.Domain{
		Type:   "kvm",
		Name:   req.Name,
		Memory: &libvirtxml.DomainMemory{Value: uint(req.MemoryMiB), Unit: "MiB"},
		VCPU:   &libvirtxml.DomainVCPU{Value: uint(req.VCPUs)},
		OS: &libvirtxml.DomainOS{
			Type:        &libvirtxml.DomainOSType{Arch: "x86_64", Machine: "q35", Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{
				Device: devices.DeviceDisk,
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: diskPath}},
				Target: &libvirtxml.DomainDiskTarget{Dev: devices.BootTarget, Bus: "virtio"},
			}},
			Interfaces: []libvirtxml.DomainInterface{iface},
		},
	}
	return dom.Marshal()
}

func (m *manager) CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "CreateInstance")
	defer end()

	// 1. Validate
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := m.hv.LookupDomain(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, req.Name)
	} else if !errors.Is(err, hypervisor.ErrDomainNotFound) {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	log.InfoContext(ctx, "creating instance", "name", req.Name, "vcpus", req.VCPUs, "memory_mib", req.MemoryMiB, "disk_gib", req.DiskSizeGiB)

	// 2. Create the boot disk in the pool
	diskPath, err := m.paths.PoolDisk(req.Name)
	if err != nil {
		return nil, fmt.Errorf("derive disk path: %w", err)
	}
	if _, err := os.Stat(diskPath); err == nil {
		return nil, fmt.Errorf("%w: disk %s already exists", ErrAlreadyExists, diskPath)
	}
	if err := os.MkdirAll(m.paths.PoolDir(), 0755); err != nil {
		return nil, fmt.Errorf("create pool dir: %w", err)
	}
	size := datasize.ByteSize(req.DiskSizeGiB) * datasize.GB
	if err := m.volumeManager.CreateVolume(ctx, diskPath, size); err != nil {
		m.recordCreateDuration(ctx, start, "failed")
		return nil, err
	}

	// 3. Define, removing the fresh disk if the hypervisor rejects it
	xml, err := domainXML(req, diskPath, m.defaultNet)
	if err != nil {
		os.Remove(diskPath)
		return nil, fmt.Errorf("render domain xml: %w", err)
	}
	dom, err := m.hv.DefineDomain(ctx, xml)
	if err != nil {
		os.Remove(diskPath)
		m.recordCreateDuration(ctx, start, "failed")
		log.ErrorContext(ctx, "failed to define domain", "name", req.Name, "error", err)
		return nil, err
	}

	// 4. Boot
	if err := dom.Start(ctx); err != nil {
		m.recordCreateDuration(ctx, start, "failed")
		log.ErrorContext(ctx, "failed to start domain", "name", req.Name, "error", err)
		return nil, fmt.Errorf("start %s: %w", req.Name, err)
	}
	m.recordStateTransition(ctx, "", string(hypervisor.StateRunning))
	m.recordCreateDuration(ctx, start, "success")

	log.InfoContext(ctx, "instance created", "name", req.Name, "disk", diskPath)
	return m.describe(ctx, dom)
}
