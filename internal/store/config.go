package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"ttslo/internal/core"
)

// Config file column names, in header order. linked_order_id and
// account are optional trailing columns.
const (
	colID             = "id"
	colPair           = "pair"
	colThresholdPrice = "threshold_price"
	colThresholdType  = "threshold_type"
	colDirection      = "direction"
	colVolume         = "volume"
	colTrailingOffset = "trailing_offset_percent"
	colEnabled        = "enabled"
	colLinkedOrderID  = "linked_order_id"
	colAccount        = "account"
)

// ConfigHeader is the canonical config file header.
var ConfigHeader = []string{
	colID, colPair, colThresholdPrice, colThresholdType, colDirection,
	colVolume, colTrailingOffset, colEnabled, colLinkedOrderID, colAccount,
}

var requiredConfigColumns = []string{
	colID, colPair, colThresholdPrice, colThresholdType, colDirection,
	colVolume, colTrailingOffset, colEnabled,
}

// ConfigStore reads rule rows from the config file and performs the two
// mutations the daemon is allowed: flipping a row's enabled column for
// auto-disable and for linked-order activation. Everything else in the
// file belongs to the user and survives every write untouched.
type ConfigStore struct {
	path   string
	coord  *Coordinator
	dryRun bool
	logger core.ILogger

	mu    sync.Mutex
	table *Table
	mtime time.Time
	rows  []core.RuleRow
}

// NewConfigStore builds a store for the given config path. The file is
// read lazily on the first Load.
func NewConfigStore(path string, coord *Coordinator, dryRun bool, logger core.ILogger) *ConfigStore {
	return &ConfigStore{
		path:   path,
		coord:  coord,
		dryRun: dryRun,
		logger: logger.WithField("component", "config_store"),
	}
}

// Path returns the config file location.
func (s *ConfigStore) Path() string {
	return s.path
}

// Load returns the current rule rows, re-reading the file only when its
// modification time changed since the last read.
func (s *ConfigStore) Load(ctx context.Context) ([]core.RuleRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	if s.table != nil && info.ModTime().Equal(s.mtime) {
		return s.rows, nil
	}

	table, err := ReadTable(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := table.RequireColumns(requiredConfigColumns...); err != nil {
		return nil, err
	}

	rows := s.rowsFromTable(table)

	s.table = table
	s.mtime = info.ModTime()
	s.rows = rows
	s.logger.Debug("Config loaded", "rules", len(rows))
	return rows, nil
}

// SetEnabled rewrites one rule's enabled column through the atomic
// write protocol. The file is re-read first so concurrent manual edits
// to other rows are never clobbered.
func (s *ConfigStore) SetEnabled(ctx context.Context, id string, state core.EnabledState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coord != nil && s.coord.Paused() {
		return ErrPaused
	}
	if s.dryRun {
		s.logger.Info("[dry-run] Would set enabled", "id", id, "enabled", string(state))
		return nil
	}

	table, err := ReadTable(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	rec, ok := table.Find(colID, id)
	if !ok {
		return fmt.Errorf("no config row with id %q", id)
	}
	if err := table.SetField(rec, colEnabled, string(state)); err != nil {
		return err
	}
	if err := table.WriteFile(ctx); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// Refresh the cache so the next Load sees this write without a re-read.
	s.table = table
	s.rows = s.rowsFromTable(table)
	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}

	s.logger.Info("Config row updated", "id", id, "enabled", string(state))
	return nil
}

func (s *ConfigStore) rowsFromTable(table *Table) []core.RuleRow {
	rows := make([]core.RuleRow, 0, len(table.Records()))
	for _, rec := range table.Records() {
		rows = append(rows, core.RuleRow{
			Line:                  rec.LineNo,
			ID:                    table.Field(rec, colID),
			Pair:                  table.Field(rec, colPair),
			ThresholdPrice:        table.Field(rec, colThresholdPrice),
			ThresholdType:         table.Field(rec, colThresholdType),
			Direction:             table.Field(rec, colDirection),
			Volume:                table.Field(rec, colVolume),
			TrailingOffsetPercent: table.Field(rec, colTrailingOffset),
			Enabled:               table.Field(rec, colEnabled),
			LinkedOrderID:         table.Field(rec, colLinkedOrderID),
			Account:               table.Field(rec, colAccount),
		})
	}
	return rows
}
