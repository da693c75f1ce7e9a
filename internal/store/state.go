package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"ttslo/internal/core"

	"github.com/shopspring/decimal"
)

// State file column names, in header order.
var stateHeader = []string{
	"id", "triggered", "trigger_price", "trigger_time", "order_id",
	"offset", "last_checked", "fill_notified", "activated_on",
	"last_error", "error_notified",
}

// StateStore holds the observed lifecycle of every rule. The in-memory
// map is authoritative; Write renders it back through the atomic
// protocol. A missing file is a fresh start, not an error.
type StateStore struct {
	path   string
	coord  *Coordinator
	dryRun bool
	logger core.ILogger

	mu     sync.RWMutex
	states map[string]core.RuleState
	order  []string
	table  *Table
}

// NewStateStore loads any existing state file into memory.
func NewStateStore(path string, coord *Coordinator, dryRun bool, logger core.ILogger) (*StateStore, error) {
	s := &StateStore{
		path:   path,
		coord:  coord,
		dryRun: dryRun,
		logger: logger.WithField("component", "state_store"),
		states: make(map[string]core.RuleState),
	}

	table, err := ReadTable(path)
	if os.IsNotExist(err) {
		s.table = NewTable(path, stateHeader)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if err := table.RequireColumns("id"); err != nil {
		return nil, err
	}

	for _, rec := range table.Records() {
		state, perr := s.parseState(table, rec)
		if perr != nil {
			s.logger.Warn("Skipping unparseable state row", "line", rec.LineNo, "error", perr)
			continue
		}
		s.states[state.ID] = state
		s.order = append(s.order, state.ID)
	}
	s.table = table

	s.logger.Info("State loaded", "rules", len(s.states))
	return s, nil
}

func (s *StateStore) parseState(table *Table, rec Record) (core.RuleState, error) {
	id := table.Field(rec, "id")
	if id == "" {
		return core.RuleState{}, fmt.Errorf("empty id")
	}

	state := core.RuleState{
		ID:            id,
		Triggered:     parseBool(table.Field(rec, "triggered")),
		OrderID:       table.Field(rec, "order_id"),
		FillNotified:  parseBool(table.Field(rec, "fill_notified")),
		LastError:     table.Field(rec, "last_error"),
		ErrorNotified: parseBool(table.Field(rec, "error_notified")),
	}

	var err error
	if state.TriggerPrice, err = parseStateDecimal(table.Field(rec, "trigger_price")); err != nil {
		return core.RuleState{}, fmt.Errorf("trigger_price: %w", err)
	}
	if state.Offset, err = parseStateDecimal(table.Field(rec, "offset")); err != nil {
		return core.RuleState{}, fmt.Errorf("offset: %w", err)
	}
	if state.TriggerTime, err = parseStateTime(table.Field(rec, "trigger_time")); err != nil {
		return core.RuleState{}, fmt.Errorf("trigger_time: %w", err)
	}
	if state.LastChecked, err = parseStateTime(table.Field(rec, "last_checked")); err != nil {
		return core.RuleState{}, fmt.Errorf("last_checked: %w", err)
	}
	if state.ActivatedOn, err = parseStateTime(table.Field(rec, "activated_on")); err != nil {
		return core.RuleState{}, fmt.Errorf("activated_on: %w", err)
	}
	return state, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func parseStateDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseStateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(core.TimeFormat, s)
}

// Get returns the state row for a rule; ok is false when the rule has
// never been observed.
func (s *StateStore) Get(id string) (core.RuleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	return state, ok
}

// Ensure returns the state row for a rule, initializing an all-false
// row on first observation.
func (s *StateStore) Ensure(id string) core.RuleState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[id]; ok {
		return state
	}
	state := core.RuleState{ID: id}
	s.states[id] = state
	s.order = append(s.order, id)
	return state
}

// Put replaces a rule's state row in memory. The change reaches disk on
// the next Write.
func (s *StateStore) Put(state core.RuleState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[state.ID]; !ok {
		s.order = append(s.order, state.ID)
	}
	s.states[state.ID] = state
}

// All returns a snapshot of every state row.
func (s *StateStore) All() map[string]core.RuleState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]core.RuleState, len(s.states))
	for id, state := range s.states {
		out[id] = state
	}
	return out
}

// Write renders the in-memory states into the table and writes it
// atomically. Rows keep their file order; rules first observed since
// the last write are appended.
func (s *StateStore) Write(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coord != nil && s.coord.Paused() {
		return ErrPaused
	}
	if s.dryRun {
		s.logger.Debug("[dry-run] Skipping state write", "rules", len(s.states))
		return nil
	}

	for _, id := range s.order {
		state := s.states[id]
		fields := renderState(state)

		rec, ok := s.table.Find("id", id)
		if !ok {
			s.table.Append(fields)
			continue
		}
		for i, col := range stateHeader {
			if s.table.Col(col) < 0 {
				continue
			}
			if err := s.table.SetField(rec, col, fields[i]); err != nil {
				return err
			}
		}
	}

	if err := s.table.WriteFile(ctx); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

func renderState(state core.RuleState) []string {
	return []string{
		state.ID,
		strconv.FormatBool(state.Triggered),
		renderStateDecimal(state.TriggerPrice),
		renderStateTime(state.TriggerTime),
		state.OrderID,
		renderStateDecimal(state.Offset),
		renderStateTime(state.LastChecked),
		strconv.FormatBool(state.FillNotified),
		renderStateTime(state.ActivatedOn),
		state.LastError,
		strconv.FormatBool(state.ErrorNotified),
	}
}

func renderStateDecimal(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func renderStateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(core.TimeFormat)
}
