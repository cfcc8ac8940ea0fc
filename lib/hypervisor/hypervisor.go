// Package hypervisor defines the VM management capability the agent consumes.
// The libvirt subpackage implements it over the libvirt RPC protocol.
package hypervisor

import (
	"context"
	"errors"
)

// Type identifies a hypervisor backend.
type Type string

const (
	TypeLibvirt Type = "libvirt"
)

var (
	// ErrDomainNotFound is returned when no domain has the requested name
	ErrDomainNotFound = errors.New("domain not found")

	// ErrVolumeNotFound is returned when a path is not a known storage volume
	ErrVolumeNotFound = errors.New("storage volume not found")
)

// State is a domain run state.
type State string

const (
	StateNoState     State = "nostate"
	StateRunning     State = "running"
	StateBlocked     State = "blocked"
	StatePaused      State = "paused"
	StateShutdown    State = "shutdown"
	StateShutoff     State = "shutoff"
	StateCrashed     State = "crashed"
	StatePMSuspended State = "pmsuspended"
)

var stateCodes = []State{
	StateNoState, StateRunning, StateBlocked, StatePaused,
	StateShutdown, StateShutoff, StateCrashed, StatePMSuspended,
}

// StateFromCode maps a virDomainState value to State.
func StateFromCode(code uint8) State {
	if int(code) < len(stateCodes) {
		return stateCodes[code]
	}
	return StateNoState
}

// DeviceFlags selects which domain definitions a device change applies to.
type DeviceFlags uint32

const (
	// DeviceLive affects the running domain
	DeviceLive DeviceFlags = 1 << iota
	// DeviceConfig affects the persisted definition
	DeviceConfig
)

// Has reports whether f includes flag.
func (f DeviceFlags) Has(flag DeviceFlags) bool { return f&flag != 0 }

// DomainInfo is a point-in-time view of a domain.
type DomainInfo struct {
	Name         string
	UUID         string
	State        State
	MaxMemoryKiB uint64
	MemoryKiB    uint64
	VCPUs        uint16
	CPUTimeNs    uint64
}

// Hypervisor is a connection to the host's VM manager.
type Hypervisor interface {
	LookupDomain(ctx context.Context, name string) (Domain, error)
	ListDomains(ctx context.Context) ([]Domain, error)
	// DefineDomain persists a domain from its XML description without starting it.
	DefineDomain(ctx context.Context, xml string) (Domain, error)
	// VolumeCapacity returns the capacity in bytes of the storage volume backing path.
	VolumeCapacity(ctx context.Context, path string) (uint64, error)
	Close() error
}

// Domain is one VM known to the hypervisor.
type Domain interface {
	Name() string
	Info(ctx context.Context) (*DomainInfo, error)
	IsActive(ctx context.Context) (bool, error)
	// XMLDesc returns the current (live if running) domain XML.
	XMLDesc(ctx context.Context) (string, error)
	Start(ctx context.Context) error
	// Shutdown asks the guest to power off.
	Shutdown(ctx context.Context) error
	Reboot(ctx context.Context) error
	// Destroy powers the domain off immediately.
	Destroy(ctx context.Context) error
	// Undefine removes the persisted definition, including managed save, snapshot metadata and NVRAM.
	Undefine(ctx context.Context) error
	AttachDevice(ctx context.Context, xml string, flags DeviceFlags) error
	DetachDevice(ctx context.Context, xml string, flags DeviceFlags) error
}
