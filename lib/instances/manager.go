// Package instances orchestrates VM lifecycle on top of the hypervisor: creation,
// power operations, reprovisioning a boot disk from a base image, and cleanup.
package instances

import (
	"context"
	"fmt"
	"regexp"

	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/paths"
	"github.com/kernel/vmagent/lib/seed"
	"github.com/kernel/vmagent/lib/volumes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager handles instance lifecycle operations
type Manager interface {
	ListInstances(ctx context.Context) ([]Instance, error)
	CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error)
	GetInstance(ctx context.Context, name string) (*Instance, error)
	DeleteInstance(ctx context.Context, name string) error
	StartInstance(ctx context.Context, name string) (*Instance, error)
	StopInstance(ctx context.Context, name string) (*Instance, error)
	RestartInstance(ctx context.Context, name string) (*Instance, error)
	KillInstance(ctx context.Context, name string) (*Instance, error)
	ReprovisionInstance(ctx context.Context, req ReprovisionRequest) (*ReprovisionResult, error)
	FinalizeInstance(ctx context.Context, name string, req FinalizeRequest) (*FinalizeResult, error)
}

// SeedBuilder authors first-boot seed images. Prepare does the fallible credential and
// tool work up front so Build can run after the VM has been stopped.
type SeedBuilder interface {
	Prepare(ctx context.Context, spec seed.Spec) (seed.Spec, error)
	Build(ctx context.Context, spec seed.Spec, isoPath string) (string, error)
}

type manager struct {
	paths         *paths.Paths
	hv            hypervisor.Hypervisor
	imageManager  images.Manager
	volumeManager volumes.Manager
	seeds         SeedBuilder
	devices       devices.Manager
	defaultNet    string
	metrics       *Metrics
}

// DefaultNetwork is the libvirt network new instances are attached to.
const DefaultNetwork = "default"

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateName checks that a VM name is safe to use in file names.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid vm name %q", ErrInvalidRequest, name)
	}
	return nil
}

// NewManager creates a new instance manager.
// If meter is nil, metrics are disabled.
func NewManager(
	p *paths.Paths,
	hv hypervisor.Hypervisor,
	imageManager images.Manager,
	volumeManager volumes.Manager,
	seeds SeedBuilder,
	deviceManager devices.Manager,
	meter metric.Meter,
	tracer trace.Tracer,
) (Manager, error) {
	m := &manager{
		paths:         p,
		hv:            hv,
		imageManager:  imageManager,
		volumeManager: volumeManager,
		seeds:         seeds,
		devices:       deviceManager,
		defaultNet:    DefaultNetwork,
	}

	if meter != nil {
		metrics, err := newInstanceMetrics(meter, tracer, m)
		if err != nil {
			return nil, fmt.Errorf("create instance metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// startSpan starts a span when tracing is enabled.
func (m *manager) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if m.metrics != nil && m.metrics.tracer != nil {
		var span trace.Span
		ctx, span = m.metrics.tracer.Start(ctx, name)
		return ctx, func() { span.End() }
	}
	return ctx, func() {}
}
