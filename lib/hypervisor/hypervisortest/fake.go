// Package hypervisortest provides an in-memory hypervisor.Hypervisor for tests.
package hypervisortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/kernel/vmagent/lib/hypervisor"
	"libvirt.org/go/libvirtxml"
)

// ErrDeviceNotFound is returned when detaching a disk the domain does not have.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceChange records one attach or detach.
type DeviceChange struct {
	Detach bool
	XML    string
	Flags  hypervisor.DeviceFlags
}

// Fake holds domains in memory. Device changes are applied to the parsed domain XML.
type Fake struct {
	mu       sync.Mutex
	domains  map[string]*Domain
	order    []string
	volumes  map[string]uint64
	closed   bool
	DefineFn func(xml string) error
}

var _ hypervisor.Hypervisor = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		domains: make(map[string]*Domain),
		volumes: make(map[string]uint64),
	}
}

// AddDomain registers a domain from its XML description.
func (f *Fake) AddDomain(xml string, active bool) (*Domain, error) {
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	if def.UUID == "" {
		def.UUID = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	d := &Domain{fake: f, def: &def, active: active}
	if _, ok := f.domains[def.Name]; !ok {
		f.order = append(f.order, def.Name)
	}
	f.domains[def.Name] = d
	return d, nil
}

// MustAddDomain is AddDomain that panics on malformed XML.
func (f *Fake) MustAddDomain(xml string, active bool) *Domain {
	d, err := f.AddDomain(xml, active)
	if err != nil {
		panic(err)
	}
	return d
}

// SetVolumeCapacity registers path as a pool volume of the given capacity.
func (f *Fake) SetVolumeCapacity(path string, capacity uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[path] = capacity
}

// Domain returns the named domain, or nil.
func (f *Fake) Domain(name string) *Domain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[name]
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) LookupDomain(_ context.Context, name string) (hypervisor.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hypervisor.ErrDomainNotFound, name)
	}
	return d, nil
}

func (f *Fake) ListDomains(context.Context) ([]hypervisor.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hypervisor.Domain, 0, len(f.order))
	for _, name := range f.order {
		if d, ok := f.domains[name]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *Fake) DefineDomain(_ context.Context, xml string) (hypervisor.Domain, error) {
	if f.DefineFn != nil {
		if err := f.DefineFn(xml); err != nil {
			return nil, err
		}
	}
	return f.AddDomain(xml, false)
}

func (f *Fake) VolumeCapacity(_ context.Context, path string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.volumes[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", hypervisor.ErrVolumeNotFound, path)
	}
	return c, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Domain is an in-memory domain.
type Domain struct {
	fake    *Fake
	def     *libvirtxml.Domain
	active  bool
	changes []DeviceChange
	actions []string

	// Hooks let tests inject failures per operation.
	ShutdownErr error
	StartErr    error
	AttachErr   error
	DetachErr   error
	// OnDestroy runs after a successful force stop.
	OnDestroy func()
}

var _ hypervisor.Domain = (*Domain)(nil)

func (d *Domain) Name() string {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return d.def.Name
}

// Active reports whether the domain is running.
func (d *Domain) Active() bool {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return d.active
}

// SetActive changes the run state without recording an action.
func (d *Domain) SetActive(active bool) {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.active = active
}

// Changes returns the recorded device changes in order.
func (d *Domain) Changes() []DeviceChange {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return append([]DeviceChange(nil), d.changes...)
}

// Actions returns the lifecycle calls made on the domain in order.
func (d *Domain) Actions() []string {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return append([]string(nil), d.actions...)
}

// Definition returns a copy of the current domain definition.
func (d *Domain) Definition() libvirtxml.Domain {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return *d.def
}

// Disks returns the current disks of the domain.
func (d *Domain) Disks() []libvirtxml.DomainDisk {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	if d.def.Devices == nil {
		return nil
	}
	return append([]libvirtxml.DomainDisk(nil), d.def.Devices.Disks...)
}

func (d *Domain) Info(context.Context) (*hypervisor.DomainInfo, error) {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	info := &hypervisor.DomainInfo{
		Name:  d.def.Name,
		UUID:  d.def.UUID,
		State: hypervisor.StateShutoff,
	}
	if d.active {
		info.State = hypervisor.StateRunning
	}
	if d.def.Memory != nil {
		info.MaxMemoryKiB = uint64(d.def.Memory.Value)
		info.MemoryKiB = uint64(d.def.Memory.Value)
	}
	if d.def.VCPU != nil {
		info.VCPUs = uint16(d.def.VCPU.Value)
	}
	return info, nil
}

func (d *Domain) IsActive(context.Context) (bool, error) {
	return d.Active(), nil
}

func (d *Domain) XMLDesc(context.Context) (string, error) {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	return d.def.Marshal()
}

func (d *Domain) Start(context.Context) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.actions = append(d.actions, "start")
	if d.StartErr != nil {
		return d.StartErr
	}
	if d.active {
		return errors.New("domain is already running")
	}
	d.active = true
	return nil
}

func (d *Domain) Shutdown(context.Context) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.actions = append(d.actions, "shutdown")
	if d.ShutdownErr != nil {
		return d.ShutdownErr
	}
	if !d.active {
		return errors.New("domain is not running")
	}
	d.active = false
	return nil
}

func (d *Domain) Reboot(context.Context) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.actions = append(d.actions, "reboot")
	if !d.active {
		return errors.New("domain is not running")
	}
	return nil
}

func (d *Domain) Destroy(context.Context) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.actions = append(d.actions, "destroy")
	if !d.active {
		return errors.New("domain is not running")
	}
	d.active = false
	if d.OnDestroy != nil {
		d.OnDestroy()
	}
	return nil
}

func (d *Domain) Undefine(context.Context) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.actions = append(d.actions, "undefine")
	delete(d.fake.domains, d.def.Name)
	return nil
}

func (d *Domain) AttachDevice(_ context.Context, xml string, flags hypervisor.DeviceFlags) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.changes = append(d.changes, DeviceChange{XML: xml, Flags: flags})
	if d.AttachErr != nil {
		return d.AttachErr
	}

	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(xml); err != nil {
		return fmt.Errorf("parse disk xml: %w", err)
	}
	if d.def.Devices == nil {
		d.def.Devices = &libvirtxml.DomainDeviceList{}
	}
	if disk.Target != nil {
		for _, existing := range d.def.Devices.Disks {
			if existing.Target != nil && existing.Target.Dev == disk.Target.Dev {
				return fmt.Errorf("target %s already in use", disk.Target.Dev)
			}
		}
	}
	d.def.Devices.Disks = append(d.def.Devices.Disks, disk)
	return nil
}

func (d *Domain) DetachDevice(_ context.Context, xml string, flags hypervisor.DeviceFlags) error {
	d.fake.mu.Lock()
	defer d.fake.mu.Unlock()
	d.changes = append(d.changes, DeviceChange{Detach: true, XML: xml, Flags: flags})
	if d.DetachErr != nil {
		return d.DetachErr
	}

	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(xml); err != nil {
		return fmt.Errorf("parse disk xml: %w", err)
	}
	if d.def.Devices == nil {
		return ErrDeviceNotFound
	}
	for i, existing := range d.def.Devices.Disks {
		if sameDisk(existing, disk) {
			d.def.Devices.Disks = append(d.def.Devices.Disks[:i], d.def.Devices.Disks[i+1:]...)
			return nil
		}
	}
	return ErrDeviceNotFound
}

func sameDisk(a, b libvirtxml.DomainDisk) bool {
	if a.Target != nil && b.Target != nil && a.Target.Dev != "" && b.Target.Dev != "" {
		return a.Target.Dev == b.Target.Dev
	}
	return diskFile(a) != "" && diskFile(a) == diskFile(b)
}

func diskFile(d libvirtxml.DomainDisk) string {
	if d.Source == nil || d.Source.File == nil {
		return ""
	}
	return d.Source.File.File
}
