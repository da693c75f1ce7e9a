package store

import (
	"fmt"
	"os"

	"ttslo/internal/core"
)

// Sentinel file suffixes of the editor coordination handshake.
const (
	lockRequestSuffix = ".editor_wants_lock"
	serviceIdleSuffix = ".service_idle"
)

// Coordinator implements the daemon side of the two-sentinel handshake
// that lets an external editor safely lock the live config file.
//
// When the editor creates <config>.editor_wants_lock, the daemon
// quiesces, refuses all store writes and creates <config>.service_idle.
// When the lock request disappears the idle marker is removed and
// writes resume. Refresh is called once per tick before any I/O, which
// is the daemon's quiescent point.
type Coordinator struct {
	lockRequestPath string
	idlePath        string
	logger          core.ILogger

	paused bool
}

// NewCoordinator derives the sentinel paths from the config path.
func NewCoordinator(configPath string, logger core.ILogger) *Coordinator {
	return &Coordinator{
		lockRequestPath: configPath + lockRequestSuffix,
		idlePath:        configPath + serviceIdleSuffix,
		logger:          logger.WithField("component", "coordinator"),
	}
}

// Refresh observes the editor's lock request and transitions the
// paused state. It returns true while writes must be refused.
func (c *Coordinator) Refresh() bool {
	requested := c.exists(c.lockRequestPath)

	switch {
	case requested && !c.paused:
		if err := os.WriteFile(c.idlePath, nil, 0o644); err != nil {
			// Without the idle marker the editor will not proceed, but
			// writes still stop: the editor asked first.
			c.logger.Error("Failed to create idle marker", "path", c.idlePath, "error", err)
		}
		c.paused = true
		c.logger.Info("Editor requested the config lock, pausing all writes")

	case !requested && c.paused:
		if err := os.Remove(c.idlePath); err != nil && !os.IsNotExist(err) {
			c.logger.Error("Failed to remove idle marker", "path", c.idlePath, "error", err)
		}
		c.paused = false
		c.logger.Info("Editor released the config lock, resuming writes")
	}

	return c.paused
}

// Paused reports whether writes are currently refused.
func (c *Coordinator) Paused() bool {
	return c.paused
}

// Close removes the idle marker if the daemon shuts down mid-handshake.
func (c *Coordinator) Close() error {
	if !c.paused {
		return nil
	}
	if err := os.Remove(c.idlePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove idle marker: %w", err)
	}
	c.paused = false
	return nil
}

func (c *Coordinator) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
