// Package bootstrap assembles the daemon process: settings, logging and
// the lifecycle of the long-running components.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ttslo/internal/config"
	"ttslo/internal/core"
	"ttslo/pkg/logging"
)

// App holds the process-wide dependencies every component receives.
type App struct {
	Settings *config.Settings
	Logger   core.ILogger
}

// NewApp loads settings and builds the logger. An empty settings path
// selects the documented defaults; logLevel, when non-empty, overrides
// the configured level.
func NewApp(settingsPath, logLevel string) (*App, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	level := settings.Daemon.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.NewZapLogger(level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{Settings: settings, Logger: logger}, nil
}

// Runner is a component with a blocking lifecycle tied to a context.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner and blocks until all return. SIGINT and
// SIGTERM cancel the shared context.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext is Run with a caller-supplied root context. A plain
// context cancellation is a graceful stop; any other error from a
// runner cancels the rest and propagates.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range runners {
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Component stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("All components stopped")
	return nil
}
