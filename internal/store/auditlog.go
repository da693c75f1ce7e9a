package store

import (
	"sync"
	"time"

	"ttslo/internal/core"
)

var logHeader = []string{"timestamp", "level", "component", "config_id", "message", "details"}

// AuditLog is the append-only CSV log file. Each append is one Write
// call; the file is never rewritten. Entries arriving while the editor
// coordination handshake is active are buffered in memory and flushed
// when writes resume, so the record stays complete.
type AuditLog struct {
	path   string
	coord  *Coordinator
	dryRun bool
	logger core.ILogger

	mu      sync.Mutex
	pending [][]string
}

// NewAuditLog builds the log writer; the file is created on first append.
func NewAuditLog(path string, coord *Coordinator, dryRun bool, logger core.ILogger) *AuditLog {
	return &AuditLog{
		path:   path,
		coord:  coord,
		dryRun: dryRun,
		logger: logger.WithField("component", "audit_log"),
	}
}

// Append writes one structured row. Rows buffered during a coordination
// window are drained first so file order matches event order.
func (l *AuditLog) Append(level, component, configID, message, details string) error {
	row := []string{
		time.Now().UTC().Format(core.TimeFormat),
		level, component, configID, message, details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dryRun {
		return nil
	}
	if l.coord != nil && l.coord.Paused() {
		l.pending = append(l.pending, row)
		return nil
	}

	if err := l.flushLocked(); err != nil {
		return err
	}
	return AppendRow(l.path, logHeader, row)
}

// Flush drains rows buffered during a coordination window.
func (l *AuditLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.coord != nil && l.coord.Paused() {
		return nil
	}
	return l.flushLocked()
}

func (l *AuditLog) flushLocked() error {
	for len(l.pending) > 0 {
		if err := AppendRow(l.path, logHeader, l.pending[0]); err != nil {
			return err
		}
		l.pending = l.pending[1:]
	}
	return nil
}

// Pending reports how many rows await a coordination window to close.
func (l *AuditLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
