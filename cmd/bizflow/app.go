package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/rendis/bizflow/internal/catalog"
	"github.com/rendis/bizflow/internal/counter"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/notify"
	"github.com/rendis/bizflow/internal/scheduler"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/validation"
	"github.com/rendis/bizflow/internal/workflow"
)

// app is the wired runtime shared by every command.
type app struct {
	cfg          Config
	logger       *slog.Logger
	store        *store.LibSQLStore
	hub          *streaming.MemoryHub
	orchestrator *workflow.Orchestrator
	scheduler    *scheduler.Scheduler
}

// openStore opens and migrates the database at path, creating its directory.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newApp wires store, engine, orchestrator and, when enabled, the scheduler.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, hub: streaming.NewMemoryHub()}

	if err := a.wire(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	runner, err := engine.NewRunner(a.store,
		engine.WithHub(a.hub),
		engine.WithLogger(a.logger),
		engine.WithMeter(otel.Meter("github.com/rendis/bizflow")),
	)
	if err != nil {
		return err
	}

	validator, err := validation.NewEntityValidator()
	if err != nil {
		return err
	}

	cat, err := loadCatalog(a.cfg.CatalogPath)
	if err != nil {
		return err
	}

	a.orchestrator, err = workflow.New(workflow.Deps{
		Store:     a.store,
		Runner:    runner,
		Codes:     counter.New(a.store),
		Notifier:  notify.NewDispatcher(a.store, notify.WithHub(a.hub), notify.WithLogger(a.logger)),
		Catalog:   cat,
		Validator: validator,
		Config: workflow.Config{
			AmountFormula:  a.cfg.Billing.AmountFormula,
			GatewayMethods: a.cfg.Payments.GatewayMethods,
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	if a.cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(a.store, a.orchestrator, a.cfg.Scheduler.Jobs,
			scheduler.WithConcurrency(a.cfg.Scheduler.Concurrency),
			scheduler.WithLogger(a.logger),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Load()
	}
	return catalog.LoadFile(path)
}

// Close stops the scheduler and closes the store.
func (a *app) Close() error {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
