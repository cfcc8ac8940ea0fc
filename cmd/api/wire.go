//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/kernel/vmagent/cmd/api/api"
	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/instances"
	"github.com/kernel/vmagent/lib/otel"
	"github.com/kernel/vmagent/lib/providers"
	"github.com/kernel/vmagent/lib/signer"
)

// application struct to hold initialized components
type application struct {
	Ctx             context.Context
	Logger          *slog.Logger
	Config          *config.Config
	Otel            *otel.Provider
	Hypervisor      hypervisor.Hypervisor
	ImageManager    images.Manager
	InstanceManager instances.Manager
	ApiService      *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideOtel,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideSigner,
		providers.ProvideFetcher,
		providers.ProvideRunner,
		providers.ProvideHypervisor,
		providers.ProvideImageManager,
		providers.ProvideVolumeManager,
		providers.ProvideSeedBuilder,
		providers.ProvideDeviceManager,
		providers.ProvideInstanceManager,
		wire.Bind(new(api.KeySource), new(*signer.Ed25519Signer)),
		api.New,
		wire.Struct(new(application), "*"),
	))
}
