// Package providers holds the wire provider set for the agent's API server.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/fetcher"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/hypervisor/libvirt"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/instances"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/otel"
	"github.com/kernel/vmagent/lib/paths"
	"github.com/kernel/vmagent/lib/seed"
	"github.com/kernel/vmagent/lib/signer"
	"github.com/kernel/vmagent/lib/tools"
	"github.com/kernel/vmagent/lib/volumes"
)

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideOtel initializes telemetry. The cleanup flushes exporters.
func ProvideOtel(cfg *config.Config) (*otel.Provider, func(), error) {
	provider, err := otel.Init(context.Background(), otel.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		Insecure:    cfg.OtelInsecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init otel: %w", err)
	}
	return provider, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shutdown otel", "error", err)
		}
	}, nil
}

// ProvideLogger provides the structured logger for the API subsystem
func ProvideLogger(provider *otel.Provider) *slog.Logger {
	log := logger.NewSubsystemLogger(logger.SubsystemAPI, logger.NewConfig(), provider.LogHandler)
	slog.SetDefault(log)
	return log
}

// ProvideContext provides a base context carrying the logger
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the on-disk layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir, cfg.ImageCacheDir, cfg.PoolDir, cfg.SeedDir)
}

// ProvideSigner loads the agent's signing key
func ProvideSigner(cfg *config.Config) (*signer.Ed25519Signer, error) {
	s, err := signer.Load(cfg.AgentPrivateKey, cfg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent key: %w", err)
	}
	return s, nil
}

// ProvideFetcher provides the signed catalog client
func ProvideFetcher(cfg *config.Config, s *signer.Ed25519Signer) *fetcher.Fetcher {
	fc := fetcher.DefaultConfig()
	fc.ConnectTimeout = cfg.ConnectTimeout
	fc.ReadTimeout = cfg.ReadTimeout
	return fetcher.New(s, fc)
}

// ProvideRunner provides the external tool runner
func ProvideRunner(cfg *config.Config) tools.Runner {
	return tools.NewExecRunner(cfg.ToolTimeout)
}

// ProvideHypervisor connects to libvirt. The cleanup closes the connection.
func ProvideHypervisor(ctx context.Context, cfg *config.Config) (hypervisor.Hypervisor, func(), error) {
	hv, err := libvirt.Connect(ctx, libvirt.Config{
		URI:         cfg.LibvirtURI,
		Socket:      cfg.LibvirtSocket,
		DialTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return hv, func() {
		if err := hv.Close(); err != nil {
			logger.FromContext(ctx).Error("failed to close libvirt connection", "error", err)
		}
	}, nil
}

// ProvideImageManager provides the base image cache
func ProvideImageManager(p *paths.Paths, cfg *config.Config, f *fetcher.Fetcher, provider *otel.Provider) (images.Manager, error) {
	if err := os.MkdirAll(p.ImageDir(), 0755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return images.NewManager(p, f, images.Config{
		LockTimeout:  cfg.LockTimeout,
		PollInterval: cfg.LockPollInterval,
	}, provider.Meter)
}

// ProvideVolumeManager provides the disk image manager
func ProvideVolumeManager(runner tools.Runner) volumes.Manager {
	return volumes.NewManager(runner)
}

// ProvideSeedBuilder provides the seed image builder
func ProvideSeedBuilder(runner tools.Runner) instances.SeedBuilder {
	return seed.NewBuilder(runner, "")
}

// ProvideDeviceManager provides the domain device editor
func ProvideDeviceManager(cfg *config.Config) devices.Manager {
	return devices.NewManager(cfg.NATNetworks)
}

// ProvideInstanceManager provides the instance manager
func ProvideInstanceManager(
	p *paths.Paths,
	hv hypervisor.Hypervisor,
	imageManager images.Manager,
	volumeManager volumes.Manager,
	seeds instances.SeedBuilder,
	deviceManager devices.Manager,
	provider *otel.Provider,
) (instances.Manager, error) {
	if err := os.MkdirAll(p.SeedDir(), 0755); err != nil {
		return nil, fmt.Errorf("create seed dir: %w", err)
	}
	return instances.NewManager(p, hv, imageManager, volumeManager, seeds, deviceManager, provider.Meter, provider.Tracer)
}
