package main

import (
	"fmt"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/config"
	"github.com/michaelbrown/jvis/internal/logger"
	"github.com/michaelbrown/jvis/internal/observability"
	"github.com/michaelbrown/jvis/internal/runner"
	"github.com/michaelbrown/jvis/internal/sandbox"
	"github.com/michaelbrown/jvis/internal/storage"
	"github.com/michaelbrown/jvis/internal/storage/sqlite"
)

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// app holds everything a command needs to run programs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *client.Client
	store   storage.Store // nil when the journal is disabled
	metrics *observability.Metrics
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := sandbox.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	a := &app{cfg: cfg, logger: log, engine: engine}
	if cfg.Storage.Enabled {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.store = store
	}
	return a, nil
}

// coordinator builds a Coordinator delivering to sessions.
func (a *app) coordinator(sessions runner.Deliverer) (*runner.Coordinator, error) {
	prov, err := sandbox.NewProvisioner(a.engine, a.cfg.Policy(), a.logger.Named("sandbox"))
	if err != nil {
		return nil, err
	}

	opts := []runner.Option{
		runner.WithWorkDir(a.cfg.Sandbox.WorkDir),
		runner.WithMetrics(a.metrics),
	}
	if a.store != nil {
		opts = append(opts, runner.WithJournal(a.store))
	}
	return runner.New(prov, sessions, a.logger.Named("runner"), opts...), nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing storage", zap.Error(err))
		}
	}
	a.engine.Close()
	_ = a.logger.Sync()
}
