// Package libvirt implements hypervisor.Hypervisor over the libvirt RPC socket.
package libvirt

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/logger"
)

const (
	// DefaultURI is the system QEMU driver.
	DefaultURI = "qemu:///system"

	systemSocket = "/var/run/libvirt/libvirt-sock"
)

// Config selects the libvirt endpoint.
type Config struct {
	URI         string
	Socket      string // defaults from URI
	DialTimeout time.Duration
}

// Hypervisor is a connected libvirt client.
type Hypervisor struct {
	l   *golibvirt.Libvirt
	uri string
}

var _ hypervisor.Hypervisor = (*Hypervisor)(nil)

// Connect dials the libvirt daemon socket and opens cfg.URI.
func Connect(ctx context.Context, cfg Config) (*Hypervisor, error) {
	if cfg.URI == "" {
		cfg.URI = DefaultURI
	}
	if cfg.Socket == "" {
		cfg.Socket = socketForURI(cfg.URI)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "connecting to libvirt", "uri", cfg.URI, "socket", cfg.Socket)

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %s: %w", cfg.Socket, err)
	}

	l := golibvirt.New(conn)
	if err := l.ConnectToURI(golibvirt.ConnectURI(cfg.URI)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.URI, err)
	}
	return &Hypervisor{l: l, uri: cfg.URI}, nil
}

// socketForURI maps the session driver to the per-user socket.
func socketForURI(uri string) string {
	if strings.HasSuffix(uri, "/session") {
		runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
		if runtimeDir == "" {
			runtimeDir = filepath.Join("/run/user", fmt.Sprint(os.Getuid()))
		}
		return filepath.Join(runtimeDir, "libvirt", "libvirt-sock")
	}
	return systemSocket
}

func (h *Hypervisor) LookupDomain(ctx context.Context, name string) (hypervisor.Domain, error) {
	d, err := h.l.DomainLookupByName(name)
	if err != nil {
		return nil, mapErr(err, name)
	}
	return &domain{l: h.l, d: d}, nil
}

func (h *Hypervisor) ListDomains(ctx context.Context) ([]hypervisor.Domain, error) {
	doms, _, err := h.l.ConnectListAllDomains(1, golibvirt.ConnectListDomainsActive|golibvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]hypervisor.Domain, 0, len(doms))
	for _, d := range doms {
		out = append(out, &domain{l: h.l, d: d})
	}
	return out, nil
}

func (h *Hypervisor) DefineDomain(ctx context.Context, xml string) (hypervisor.Domain, error) {
	d, err := h.l.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("define domain: %w", err)
	}
	return &domain{l: h.l, d: d}, nil
}

func (h *Hypervisor) VolumeCapacity(ctx context.Context, path string) (uint64, error) {
	vol, err := h.l.StorageVolLookupByPath(path)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", hypervisor.ErrVolumeNotFound, path)
		}
		return 0, fmt.Errorf("lookup volume %s: %w", path, err)
	}
	_, capacity, _, err := h.l.StorageVolGetInfo(vol)
	if err != nil {
		return 0, fmt.Errorf("volume info %s: %w", path, err)
	}
	return capacity, nil
}

func (h *Hypervisor) Close() error {
	return h.l.Disconnect()
}

type domain struct {
	l *golibvirt.Libvirt
	d golibvirt.Domain
}

func (d *domain) Name() string { return d.d.Name }

func (d *domain) Info(ctx context.Context) (*hypervisor.DomainInfo, error) {
	state, maxMem, mem, vcpus, cpuTime, err := d.l.DomainGetInfo(d.d)
	if err != nil {
		return nil, mapErr(err, d.d.Name)
	}
	return &hypervisor.DomainInfo{
		Name:         d.d.Name,
		UUID:         uuid.UUID(d.d.UUID).String(),
		State:        hypervisor.StateFromCode(state),
		MaxMemoryKiB: maxMem,
		MemoryKiB:    mem,
		VCPUs:        vcpus,
		CPUTimeNs:    cpuTime,
	}, nil
}

func (d *domain) IsActive(ctx context.Context) (bool, error) {
	active, err := d.l.DomainIsActive(d.d)
	if err != nil {
		return false, mapErr(err, d.d.Name)
	}
	return active == 1, nil
}

func (d *domain) XMLDesc(ctx context.Context) (string, error) {
	xml, err := d.l.DomainGetXMLDesc(d.d, 0)
	if err != nil {
		return "", mapErr(err, d.d.Name)
	}
	return xml, nil
}

func (d *domain) Start(ctx context.Context) error {
	return mapErr(d.l.DomainCreate(d.d), d.d.Name)
}

func (d *domain) Shutdown(ctx context.Context) error {
	return mapErr(d.l.DomainShutdown(d.d), d.d.Name)
}

func (d *domain) Reboot(ctx context.Context) error {
	return mapErr(d.l.DomainReboot(d.d, golibvirt.DomainRebootDefault), d.d.Name)
}

func (d *domain) Destroy(ctx context.Context) error {
	return mapErr(d.l.DomainDestroy(d.d), d.d.Name)
}

func (d *domain) Undefine(ctx context.Context) error {
	flags := golibvirt.DomainUndefineManagedSave |
		golibvirt.DomainUndefineSnapshotsMetadata |
		golibvirt.DomainUndefineNvram
	return mapErr(d.l.DomainUndefineFlags(d.d, flags), d.d.Name)
}

func (d *domain) AttachDevice(ctx context.Context, xml string, flags hypervisor.DeviceFlags) error {
	return mapErr(d.l.DomainAttachDeviceFlags(d.d, xml, modifyFlags(flags)), d.d.Name)
}

func (d *domain) DetachDevice(ctx context.Context, xml string, flags hypervisor.DeviceFlags) error {
	return mapErr(d.l.DomainDetachDeviceFlags(d.d, xml, modifyFlags(flags)), d.d.Name)
}

func modifyFlags(f hypervisor.DeviceFlags) uint32 {
	var out golibvirt.DomainDeviceModifyFlags
	if f.Has(hypervisor.DeviceLive) {
		out |= golibvirt.DomainDeviceModifyLive
	}
	if f.Has(hypervisor.DeviceConfig) {
		out |= golibvirt.DomainDeviceModifyConfig
	}
	return uint32(out)
}

func mapErr(err error, name string) error {
	if err == nil {
		return nil
	}
	if golibvirt.IsNotFound(err) {
		return fmt.Errorf("%w: %s", hypervisor.ErrDomainNotFound, name)
	}
	return err
}
