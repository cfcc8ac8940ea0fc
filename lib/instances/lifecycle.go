package instances

import (
	"context"
	"fmt"

	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/logger"
)

func toInstance(info *hypervisor.DomainInfo) Instance {
	return Instance{
		Name:      info.Name,
		UUID:      info.UUID,
		State:     info.State,
		Active:    info.State == hypervisor.StateRunning || info.State == hypervisor.StatePaused || info.State == hypervisor.StateBlocked,
		VCPUs:     info.VCPUs,
		MemoryMiB: info.MaxMemoryKiB / 1024,
		CPUTimeNs: info.CPUTimeNs,
	}
}

func (m *manager) describe(ctx context.Context, dom hypervisor.Domain) (*Instance, error) {
	info, err := dom.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("get domain info: %w", err)
	}
	inst := toInstance(info)
	active, err := dom.IsActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("check domain active: %w", err)
	}
	inst.Active = active
	return &inst, nil
}

func (m *manager) lookup(ctx context.Context, name string) (hypervisor.Domain, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return m.hv.LookupDomain(ctx, name)
}

func (m *manager) ListInstances(ctx context.Context) ([]Instance, error) {
	doms, err := m.hv.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(doms))
	for _, dom := range doms {
		inst, err := m.describe(ctx, dom)
		if err != nil {
			// Domains can disappear between listing and inspection
			logger.FromContext(ctx).WarnContext(ctx, "skipping domain", "name", dom.Name(), "error", err)
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (m *manager) GetInstance(ctx context.Context, name string) (*Instance, error) {
	dom, err := m.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.describe(ctx, dom)
}

// powerOp applies one power operation after checking the domain's active state.
func (m *manager) powerOp(ctx context.Context, spanName, name, op string, wantActive bool, fn func(hypervisor.Domain) error) (*Instance, error) {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, spanName)
	defer end()

	dom, err := m.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	before, err := m.describe(ctx, dom)
	if err != nil {
		return nil, err
	}
	if before.Active != wantActive {
		log.ErrorContext(ctx, "invalid state for "+op, "name", name, "state", before.State)
		return nil, fmt.Errorf("%w: cannot %s from state %s", ErrInvalidState, op, before.State)
	}

	log.InfoContext(ctx, op+" instance", "name", name)
	if err := fn(dom); err != nil {
		log.ErrorContext(ctx, op+" failed", "name", name, "error", err)
		return nil, fmt.Errorf("%s %s: %w", op, name, err)
	}

	after, err := m.describe(ctx, dom)
	if err != nil {
		return nil, err
	}
	m.recordStateTransition(ctx, string(before.State), string(after.State))
	return after, nil
}

func (m *manager) StartInstance(ctx context.Context, name string) (*Instance, error) {
	return m.powerOp(ctx, "StartInstance", name, "start", false, func(d hypervisor.Domain) error { return d.Start(ctx) })
}

// StopInstance asks the guest to shut down; the domain may still be running when it returns.
func (m *manager) StopInstance(ctx context.Context, name string) (*Instance, error) {
	return m.powerOp(ctx, "StopInstance", name, "stop", true, func(d hypervisor.Domain) error { return d.Shutdown(ctx) })
}

func (m *manager) RestartInstance(ctx context.Context, name string) (*Instance, error) {
	return m.powerOp(ctx, "RestartInstance", name, "restart", true, func(d hypervisor.Domain) error { return d.Reboot(ctx) })
}

func (m *manager) KillInstance(ctx context.Context, name string) (*Instance, error) {
	return m.powerOp(ctx, "KillInstance", name, "kill", true, func(d hypervisor.Domain) error { return d.Destroy(ctx) })
}
