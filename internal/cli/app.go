package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/archive"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/store/pgstore"
)

// app is an engine wired to the configured store, ledger, archive and
// payload schemas.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	ledger  *ledger.Ledger
	logger  *slog.Logger
	closers []func() error
}

// loadConfig reads the config file and environment, then applies the
// global flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, err
	}
	if o.Database != "" {
		cfg.Database.Path = o.Database
	}
	if o.DSN != "" {
		cfg.Database.DSN = o.DSN
	}
	if o.Ledger != "" {
		cfg.Database.Ledger = o.Ledger
	}
	if o.Archive != "" {
		cfg.Database.Archive = o.Archive
	}
	return cfg, nil
}

// newLogger installs the process logger: text on w by default, JSON with
// --format json, debug level with --verbose.
func (o *RootOptions) newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, handlerOpts)
	if o.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openApp opens every collaborator named by the configuration. The caller
// must Close the returned app.
func openApp(ctx context.Context, o *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	a := &app{cfg: cfg, logger: o.newLogger(cmd.ErrOrStderr())}
	if err := a.open(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, o *RootOptions) error {
	var st engine.Store
	if a.cfg.Database.DSN != "" {
		a.logger.Debug("opening postgres store")
		pg, err := pgstore.Open(ctx, a.cfg.Database.DSN)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open postgres store", err)
		}
		a.closers = append(a.closers, pg.Close)
		st = pg
	} else {
		a.logger.Debug("opening sqlite store", "path", a.cfg.Database.Path)
		sq, err := store.Open(a.cfg.Database.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		a.closers = append(a.closers, sq.Close)
		st = sq
	}

	led, err := ledger.Open(a.cfg.Database.Ledger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	a.closers = append(a.closers, led.Close)
	a.ledger = led

	registry, err := schema.NewRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load payload schemas", err)
	}

	opts := append(a.cfg.EngineOptions(),
		engine.WithLogger(a.logger),
		engine.WithValidator(registry),
	)
	if a.cfg.Database.Archive != "" {
		arch, err := archive.Open(a.cfg.Database.Archive)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open archive", err)
		}
		a.closers = append(a.closers, arch.Close)
		opts = append(opts, engine.WithArchiver(arch))
	}
	if o.Clock != nil {
		opts = append(opts, engine.WithClock(o.Clock))
	}
	if o.IDs != nil {
		opts = append(opts, engine.WithIDGenerator(o.IDs))
	}

	a.engine = engine.New(st, led, led, opts...)
	return nil
}

// Close closes everything openApp opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("error closing stores", "error", err)
		return err
	}
	return nil
}
