package main

import (
	"log/slog"

	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/fetcher"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/paths"
	"github.com/kernel/vmagent/lib/signer"
	"github.com/kernel/vmagent/lib/tools"
	"github.com/spf13/cobra"
)

// app carries settings shared by all subcommands. Fields left nil are built from cfg on demand.
type app struct {
	cfg    *config.Config
	runner tools.Runner
	getter images.Getter
}

func newApp() *app {
	return &app{cfg: config.Load()}
}

func (a *app) paths() *paths.Paths {
	return paths.New(a.cfg.DataDir, a.cfg.ImageCacheDir, a.cfg.PoolDir, a.cfg.SeedDir)
}

func (a *app) toolRunner() tools.Runner {
	if a.runner == nil {
		a.runner = tools.NewExecRunner(a.cfg.ToolTimeout)
	}
	return a.runner
}

func (a *app) imageManager() (images.Manager, error) {
	getter := a.getter
	if getter == nil {
		s, err := signer.Load(a.cfg.AgentPrivateKey, a.cfg.AgentID)
		if err != nil {
			return nil, err
		}
		fc := fetcher.DefaultConfig()
		fc.ConnectTimeout = a.cfg.ConnectTimeout
		fc.ReadTimeout = a.cfg.ReadTimeout
		getter = fetcher.New(s, fc)
	}
	return images.NewManager(a.paths(), getter, images.Config{
		LockTimeout:  a.cfg.LockTimeout,
		PollInterval: a.cfg.LockPollInterval,
	}, nil)
}

func newRootCommand(a *app) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "vmagentctl",
		Short:         "Operate the VM agent's local state",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logger.NewConfig().LevelFor(logger.SubsystemAPI)
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			cmd.SetContext(logger.AddToContext(cmd.Context(), log))
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.cfg.DataDir, "data-dir", a.cfg.DataDir, "Agent data directory")
	flags.StringVar(&a.cfg.ImageCacheDir, "image-dir", a.cfg.ImageCacheDir, "Base image cache directory (default <data-dir>/cloudimgs)")
	flags.StringVar(&a.cfg.SeedDir, "seed-dir", a.cfg.SeedDir, "Seed image scratch directory")
	flags.StringVar(&a.cfg.AgentPrivateKey, "key", a.cfg.AgentPrivateKey, "Agent private key (PEM)")
	flags.StringVar(&a.cfg.AgentID, "agent-id", a.cfg.AgentID, "Agent identity presented to the catalog")

	root.AddCommand(
		newKeygenCommand(a),
		newImagesCommand(a),
		newSeedCommand(a),
	)
	return root
}
