package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppDefaults(t *testing.T) {
	app, err := NewApp("", "")
	require.NoError(t, err)
	assert.Equal(t, 4, app.Settings.Daemon.Workers)
	assert.Equal(t, "INFO", app.Settings.Daemon.LogLevel)
	assert.NotNil(t, app.Logger)
}

func TestNewAppLoadsSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
daemon:
  workers: 2
  log_level: WARN
  lost_order_ticks: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	app, err := NewApp(path, "")
	require.NoError(t, err)
	assert.Equal(t, 2, app.Settings.Daemon.Workers)
	assert.Equal(t, 5, app.Settings.Daemon.LostOrderTicks)
}

func TestNewAppMissingSettingsFile(t *testing.T) {
	_, err := NewApp(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestNewAppLevelOverride(t *testing.T) {
	_, err := NewApp("", "not-a-level")
	assert.Error(t, err)

	app, err := NewApp("", "DEBUG")
	require.NoError(t, err)
	assert.NotNil(t, app.Logger)
}

type funcRunner func(ctx context.Context) error

func (f funcRunner) Run(ctx context.Context) error { return f(ctx) }

func TestRunContextPropagatesRunnerError(t *testing.T) {
	app, err := NewApp("", "")
	require.NoError(t, err)

	boom := errors.New("boom")
	blocked := funcRunner(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	failing := funcRunner(func(ctx context.Context) error {
		return boom
	})

	err = app.RunContext(context.Background(), blocked, failing)
	assert.ErrorIs(t, err, boom)
}

func TestRunContextGracefulOnCancel(t *testing.T) {
	app, err := NewApp("", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	blocked := funcRunner(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx, blocked, blocked) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a graceful stop")
	case <-time.After(2 * time.Second):
		t.Fatal("RunContext did not return after cancellation")
	}
}
