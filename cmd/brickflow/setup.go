package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/config"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/polisai/brickflow/pkg/engine/bricks"
	"github.com/polisai/brickflow/pkg/logging"
	"github.com/polisai/brickflow/pkg/policy"
	"github.com/polisai/brickflow/pkg/storage"
	"github.com/polisai/brickflow/pkg/transport"
	"github.com/spf13/cobra"
)

// app is the wired process: configuration, logger, brick and pipeline registries
// and the engine configuration shared by all commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bricks    *engine.BrickRegistry
	pipelines *engine.PipelineRegistry
	engineCfg engine.EngineConfig
	state     *storage.MemoryStateStore
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	mods, err := cmd.Flags().GetString("mods")
	if err != nil {
		return nil, fmt.Errorf("failed to get mods flag: %w", err)
	}
	if mods != "" {
		info, err := os.Stat(mods)
		if err != nil {
			return nil, fmt.Errorf("mods: %w", err)
		}
		cfg.Pipeline.File, cfg.Pipeline.Dir = "", ""
		if info.IsDir() {
			cfg.Pipeline.Dir = mods
		} else {
			cfg.Pipeline.File = mods
		}
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, fmt.Errorf("failed to get pretty flag: %w", err)
	}
	cfg.Logging.Pretty = cfg.Logging.Pretty || pretty
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires every engine dependency from cfg. Pipelines are not loaded.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	cfg.Logging.Writer = os.Stderr
	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	registry := engine.NewBrickRegistry()
	bricks.Register(registry, bricks.Options{})

	tree, err := cfg.Frames.Tree()
	if err != nil {
		return nil, fmt.Errorf("frames: %w", err)
	}
	doc, err := cfg.Frames.LoadDocument()
	if err != nil {
		return nil, fmt.Errorf("frames: %w", err)
	}

	modules, err := cfg.Gate.GateModules()
	if err != nil {
		return nil, err
	}
	gate, err := policy.NewRemoteGate(ctx, policy.GateOptions{
		AllowedBricks: cfg.Gate.AllowedBricks,
		Modules:       modules,
		Mode:          cfg.Gate.Mode,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("remote gate: %w", err)
	}

	remote := transport.NewHTTP(transport.HTTPConfig{
		Timeout: cfg.Transport.Timeout,
		Breakers: governance.NewCircuitBreakerManager(governance.CircuitBreakerConfig{
			MaxFailures:         cfg.Transport.BreakerFailure,
			Timeout:             cfg.Transport.BreakerTimeout,
			MaxHalfOpenRequests: 1,
		}),
		RateLimiter: governance.NewRateLimiter(cfg.Transport.RateLimits),
		Logger:      logger,
	})

	state := storage.NewMemoryStateStore()
	a := &app{
		cfg:       cfg,
		logger:    logger,
		bricks:    registry,
		pipelines: engine.NewPipelineRegistry(registry, logger),
		state:     state,
		engineCfg: engine.EngineConfig{
			Registry:    registry,
			Frames:      tree,
			Transport:   transport.Multi{Local: transport.NewLocal(), Remote: remote},
			SharedState: state,
			Gate:        gate,
			Trace:       engine.LogTraceSink{Logger: logger},
			Redaction:   &cfg.Redaction,
			Logger:      logger,
		},
	}
	if doc != nil {
		a.engineCfg.Document = doc
	}
	return a, nil
}

// loadPipelines compiles the configured mods into the pipeline registry.
func (a *app) loadPipelines(ctx context.Context) error {
	source := a.cfg.Pipeline.Source()
	if source == "" {
		return fmt.Errorf("no mods configured: set pipeline.file, pipeline.dir or --mods")
	}
	pipelines, err := config.LoadPipelines(ctx, source, a.bricks)
	if err != nil {
		return err
	}
	return a.pipelines.UpdatePipelines(ctx, pipelines)
}

func (a *app) close() {
	if err := a.state.Close(); err != nil {
		a.logger.Error("Failed to close state store", "error", err)
	}
}
