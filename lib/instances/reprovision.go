package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/seed"
	"github.com/kernel/vmagent/lib/volumes"
	"github.com/nrednav/cuid2"
)

// seedSpec converts the request into a validated seed spec. Nothing is touched on failure.
func (r ReprovisionRequest) seedSpec() (seed.Spec, error) {
	if err := ValidateName(r.VMID); err != nil {
		return seed.Spec{}, err
	}
	if err := images.ValidateName(r.OS.Name); err != nil {
		return seed.Spec{}, err
	}
	if strings.TrimSpace(r.OS.URL) == "" {
		return seed.Spec{}, fmt.Errorf("%w: os_url is required", ErrInvalidRequest)
	}

	creds, err := seed.NewCredentials(r.Host.Username, r.Host.Password, r.Host.PublicKey)
	if err != nil {
		return seed.Spec{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	spec := seed.Spec{
		Meta:        seed.Meta{InstanceID: r.VMID, Hostname: r.Host.Hostname},
		Credentials: creds,
	}
	if r.Network != nil {
		spec.Network = &seed.Networking{
			MACAddress: r.Network.MACAddress,
			Address:    r.Network.IPCIDR,
			Gateway:    r.Network.Gateway,
			DNSServers: r.Network.DNSServers,
		}
	}
	if err := spec.Validate(); err != nil {
		if errors.Is(err, seed.ErrInvalidCredentials) {
			return seed.Spec{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return seed.Spec{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return spec, nil
}

// reprovisionRun tracks one pass through the state machine.
type reprovisionRun struct {
	m     *manager
	log   *slog.Logger
	stage Stage
}

func (r *reprovisionRun) advance(ctx context.Context, to Stage) {
	r.m.recordStateTransition(ctx, string(r.stage), string(to))
	r.log.InfoContext(ctx, "reprovision stage complete", "from", r.stage, "to", to)
	r.stage = to
}

// fail moves the run to Failed. stage is the stage that was being entered.
func (r *reprovisionRun) fail(ctx context.Context, stage Stage, err error) error {
	r.m.recordStateTransition(ctx, string(r.stage), string(StageFailed))
	r.m.recordStageFailure(ctx, stage)
	r.log.ErrorContext(ctx, "reprovision failed", "stage", stage, "last_completed", r.stage, "error", err)
	r.stage = StageFailed
	return &StageError{Stage: stage, Err: err}
}

func (m *manager) ReprovisionInstance(ctx context.Context, req ReprovisionRequest) (*ReprovisionResult, error) {
	start := time.Now()
	opID := cuid2.Generate()
	log := logger.FromContext(ctx).With("operation_id", opID, "name", req.VMID)
	ctx = logger.AddToContext(ctx, log)

	ctx, end := m.startSpan(ctx, "ReprovisionInstance")
	defer end()

	// Everything that can be checked without side effects is checked before the VM is touched
	spec, err := req.seedSpec()
	if err != nil {
		log.WarnContext(ctx, "rejected reprovision request", "error", err)
		return nil, err
	}
	dom, err := m.hv.LookupDomain(ctx, req.VMID)
	if err != nil {
		return nil, err
	}
	if spec, err = m.seeds.Prepare(ctx, spec); err != nil {
		log.WarnContext(ctx, "seed cannot be built, leaving instance untouched", "error", err)
		return nil, err
	}

	// From here on the VM is modified; a caller going away must not leave it half done
	ctx = context.WithoutCancel(ctx)

	log.InfoContext(ctx, "reprovisioning instance", "image", req.OS.Name)
	run := &reprovisionRun{m: m, log: log, stage: StageRequested}
	result := &ReprovisionResult{OperationID: opID, VMID: req.VMID, Image: req.OS.Name}

	status := "failed"
	defer func() {
		if m.metrics != nil {
			m.recordDuration(ctx, m.metrics.reprovisionDuration, start, status)
		}
	}()

	// 1. Requested -> Stopped: hard stop, the disk is about to be overwritten
	active, err := dom.IsActive(ctx)
	if err != nil {
		return nil, run.fail(ctx, StageStopped, err)
	}
	if active {
		if err := dom.Destroy(ctx); err != nil {
			return nil, run.fail(ctx, StageStopped, fmt.Errorf("force stop: %w", err))
		}
	}
	run.advance(ctx, StageStopped)

	// 2. Stopped -> BaseImageReady
	bootDisk, err := m.devices.ResolveBootDiskPath(ctx, dom)
	if err != nil {
		return nil, run.fail(ctx, StageBaseImageReady, err)
	}
	size, err := m.bootDiskSize(ctx, bootDisk)
	if err != nil {
		return nil, run.fail(ctx, StageBaseImageReady, err)
	}
	result.BootDisk = bootDisk
	result.SizeGiB = uint64(size / datasize.GB)

	img, err := m.imageManager.EnsureImage(ctx, images.EnsureRequest{
		Name:     req.OS.Name,
		URL:      req.OS.URL,
		Checksum: req.OS.Checksum,
	})
	if err != nil {
		return nil, run.fail(ctx, StageBaseImageReady, err)
	}
	run.advance(ctx, StageBaseImageReady)

	// 3. BaseImageReady -> Cloned at the measured size, never the requested one
	if err := m.volumeManager.CloneVolume(ctx, img.Path, bootDisk, size); err != nil {
		return nil, run.fail(ctx, StageCloned, err)
	}
	run.advance(ctx, StageCloned)

	// 4. Cloned -> SeedBuilt
	nat, err := m.devices.UsesHostNAT(ctx, dom)
	if err != nil {
		return nil, run.fail(ctx, StageSeedBuilt, err)
	}
	if nat {
		spec.Network = nil
	}
	result.HostNAT = nat

	seedPath, err := m.paths.SeedISO(req.VMID)
	if err != nil {
		return nil, run.fail(ctx, StageSeedBuilt, err)
	}
	if _, err := m.seeds.Build(ctx, spec, seedPath); err != nil {
		return nil, run.fail(ctx, StageSeedBuilt, err)
	}
	result.SeedPath = seedPath
	run.advance(ctx, StageSeedBuilt)

	// 5. SeedBuilt -> MediaSwapped
	if _, err := m.devices.DetachTarget(ctx, dom, devices.SeedTarget); err != nil {
		return nil, run.fail(ctx, StageMediaSwapped, err)
	}
	if err := m.devices.Attach(ctx, dom, seedPath, devices.SeedTarget); err != nil {
		return nil, run.fail(ctx, StageMediaSwapped, err)
	}
	run.advance(ctx, StageMediaSwapped)

	// 6. MediaSwapped -> Booted
	if err := dom.Start(ctx); err != nil {
		return nil, run.fail(ctx, StageBooted, fmt.Errorf("start: %w", err))
	}
	run.advance(ctx, StageBooted)

	status = "success"
	result.Stage = run.stage
	result.Duration = time.Since(start)
	log.InfoContext(ctx, "instance reprovisioned", "boot_disk", bootDisk, "size_gib", result.SizeGiB, "seed", seedPath, "duration", result.Duration)
	return result, nil
}

// bootDiskSize is the pool volume capacity, or the image's virtual size when the disk is
// not a pool volume, rounded up to whole GiB.
func (m *manager) bootDiskSize(ctx context.Context, path string) (datasize.ByteSize, error) {
	capacity, err := m.hv.VolumeCapacity(ctx, path)
	if err == nil {
		return volumes.RoundUpGiB(datasize.ByteSize(capacity)), nil
	}
	if !errors.Is(err, hypervisor.ErrVolumeNotFound) {
		logger.FromContext(ctx).WarnContext(ctx, "volume capacity lookup failed, probing image", "path", path, "error", err)
	}
	return m.volumeManager.VirtualSize(ctx, path)
}
