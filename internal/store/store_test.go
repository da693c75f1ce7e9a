package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ttslo/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})          {}
func (nopLogger) Info(msg string, fields ...interface{})           {}
func (nopLogger) Warn(msg string, fields ...interface{})           {}
func (nopLogger) Error(msg string, fields ...interface{})          {}
func (nopLogger) Fatal(msg string, fields ...interface{})          {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func TestConfigStoreLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.csv", sampleConfig)
	s := NewConfigStore(path, nil, false, nopLogger{})

	rows, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "btc_1", rows[0].ID)
	assert.Equal(t, "XXBTZUSD", rows[0].Pair)
	assert.Equal(t, "50000", rows[0].ThresholdPrice)
	assert.Equal(t, "above", rows[0].ThresholdType)
	assert.Equal(t, "sell", rows[0].Direction)
	assert.Equal(t, "0.01", rows[0].Volume)
	assert.Equal(t, "5.0", rows[0].TrailingOffsetPercent)
	assert.Equal(t, "true", rows[0].Enabled)
	assert.Equal(t, "", rows[0].LinkedOrderID)
	assert.Equal(t, "paused", rows[2].Enabled)
}

func TestConfigStoreLoadUsesMtimeCache(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.csv", sampleConfig)
	s := NewConfigStore(path, nil, false, nopLogger{})

	first, err := s.Load(context.Background())
	require.NoError(t, err)

	// Replace the file content but keep the old mtime: the cache wins.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("id,pair,threshold_price,threshold_type,direction,volume,trailing_offset_percent,enabled\nnew_1,XXBTZUSD,1,above,sell,1,1.0,true\n"), 0o644))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	cached, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(first), len(cached))

	// Bump the mtime: the new content is picked up.
	future := info.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	fresh, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "new_1", fresh[0].ID)
}

func TestConfigStoreSetEnabledPreservesComments(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.csv", sampleConfig)
	s := NewConfigStore(path, nil, false, nopLogger{})

	require.NoError(t, s.SetEnabled(context.Background(), "eth_1", core.EnabledTrue))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(after)

	assert.Contains(t, content, "# TTSLO rules")
	assert.Contains(t, content, "# disabled experiments below")
	assert.Contains(t, content, "eth_1,XETHZUSD,3000,below,buy,0.5,2.0,true,,")
	assert.Contains(t, content, "btc_1,XXBTZUSD,50000,above,sell,0.01,5.0,true,,")

	// Subsequent Load must see the change without an external mtime bump.
	rows, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "true", rows[1].Enabled)
}

func TestConfigStoreSetEnabledUnknownID(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.csv", sampleConfig)
	s := NewConfigStore(path, nil, false, nopLogger{})

	err := s.SetEnabled(context.Background(), "missing", core.EnabledFalse)
	require.Error(t, err)
}

func TestConfigStoreDryRunSkipsWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.csv", sampleConfig)
	s := NewConfigStore(path, nil, true, nopLogger{})

	require.NoError(t, s.SetEnabled(context.Background(), "eth_1", core.EnabledTrue))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, string(after))
}

func TestConfigStoreRefusesWriteWhilePaused(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.csv", sampleConfig)
	coord := NewCoordinator(path, nopLogger{})
	s := NewConfigStore(path, coord, false, nopLogger{})

	writeFile(t, dir, "config.csv.editor_wants_lock", "")
	require.True(t, coord.Refresh())

	err := s.SetEnabled(context.Background(), "eth_1", core.EnabledTrue)
	assert.ErrorIs(t, err, ErrPaused)
}

func TestStateStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.csv")
	s, err := NewStateStore(path, nil, false, nopLogger{})
	require.NoError(t, err)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	state := core.RuleState{
		ID:           "btc_1",
		Triggered:    true,
		TriggerPrice: decimal.RequireFromString("50001"),
		TriggerTime:  now,
		OrderID:      "OABC12-DEF34-GHI56",
		Offset:       decimal.RequireFromString("5"),
		LastChecked:  now,
		ActivatedOn:  now,
	}
	s.Put(state)
	require.NoError(t, s.Write(context.Background()))

	reloaded, err := NewStateStore(path, nil, false, nopLogger{})
	require.NoError(t, err)

	got, ok := reloaded.Get("btc_1")
	require.True(t, ok)
	assert.True(t, got.Triggered)
	assert.True(t, got.TriggerPrice.Equal(state.TriggerPrice))
	assert.Equal(t, state.TriggerTime, got.TriggerTime)
	assert.Equal(t, state.OrderID, got.OrderID)
	assert.True(t, got.Offset.Equal(state.Offset))
	assert.False(t, got.FillNotified)
	assert.False(t, got.ErrorNotified)
	assert.Equal(t, state.ActivatedOn, got.ActivatedOn)
}

func TestStateStoreEnsureInitializesEmptyRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.csv")
	s, err := NewStateStore(path, nil, false, nopLogger{})
	require.NoError(t, err)

	state := s.Ensure("fresh")
	assert.Equal(t, "fresh", state.ID)
	assert.False(t, state.Triggered)
	assert.True(t, state.TriggerPrice.IsZero())
	assert.Empty(t, state.OrderID)

	// Ensure is idempotent and does not clobber later mutations.
	state.Triggered = true
	state.OrderID = "O1"
	s.Put(state)

	again := s.Ensure("fresh")
	assert.True(t, again.Triggered)
	assert.Equal(t, "O1", again.OrderID)
}

func TestStateStoreWritePreservesComments(t *testing.T) {
	content := "# managed by ttslo, edit at your own risk\nid,triggered,trigger_price,trigger_time,order_id,offset,last_checked,fill_notified,activated_on,last_error,error_notified\nold_1,false,,,,,,false,,,false\n"
	path := writeFile(t, t.TempDir(), "state.csv", content)

	s, err := NewStateStore(path, nil, false, nopLogger{})
	require.NoError(t, err)

	s.Put(core.RuleState{ID: "new_1"})
	require.NoError(t, s.Write(context.Background()))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(after), "# managed by ttslo")
	assert.Contains(t, string(after), "old_1,false")
	assert.Contains(t, string(after), "new_1,false")
}

func TestStateStoreMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.csv")
	s, err := NewStateStore(path, nil, false, nopLogger{})
	require.NoError(t, err)
	assert.Empty(t, s.All())

	_, ok := s.Get("anything")
	assert.False(t, ok)
}

func TestCoordinatorHandshake(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.csv", sampleConfig)
	lockPath := configPath + ".editor_wants_lock"
	idlePath := configPath + ".service_idle"

	coord := NewCoordinator(configPath, nopLogger{})
	assert.False(t, coord.Refresh())
	assert.NoFileExists(t, idlePath)

	// Editor requests the lock.
	require.NoError(t, os.WriteFile(lockPath, nil, 0o644))
	assert.True(t, coord.Refresh())
	assert.FileExists(t, idlePath)
	assert.True(t, coord.Paused())

	// Still paused while the request persists.
	assert.True(t, coord.Refresh())

	// Editor releases the lock.
	require.NoError(t, os.Remove(lockPath))
	assert.False(t, coord.Refresh())
	assert.NoFileExists(t, idlePath)
	assert.False(t, coord.Paused())
}

func TestCoordinatorCloseRemovesIdleMarker(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.csv", sampleConfig)

	coord := NewCoordinator(configPath, nopLogger{})
	require.NoError(t, os.WriteFile(configPath+".editor_wants_lock", nil, 0o644))
	require.True(t, coord.Refresh())

	require.NoError(t, coord.Close())
	assert.NoFileExists(t, configPath+".service_idle")
}

func TestAuditLogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	l := NewAuditLog(path, nil, false, nopLogger{})

	require.NoError(t, l.Append("INFO", "engine", "btc_1", "Threshold crossed", "price=50001"))
	require.NoError(t, l.Append("ERROR", "engine", "eth_1", "Cannot retrieve price", ""))

	table, err := ReadTable(path)
	require.NoError(t, err)
	recs := table.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "INFO", table.Field(recs[0], "level"))
	assert.Equal(t, "btc_1", table.Field(recs[0], "config_id"))
	assert.Equal(t, "Threshold crossed", table.Field(recs[0], "message"))
	assert.Equal(t, "ERROR", table.Field(recs[1], "level"))
}

func TestAuditLogBuffersWhilePaused(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.csv", sampleConfig)
	logPath := filepath.Join(dir, "log.csv")

	coord := NewCoordinator(configPath, nopLogger{})
	l := NewAuditLog(logPath, coord, false, nopLogger{})

	require.NoError(t, os.WriteFile(configPath+".editor_wants_lock", nil, 0o644))
	require.True(t, coord.Refresh())

	require.NoError(t, l.Append("INFO", "engine", "a", "first", ""))
	require.NoError(t, l.Append("INFO", "engine", "b", "second", ""))
	assert.NoFileExists(t, logPath)
	assert.Equal(t, 2, l.Pending())

	require.NoError(t, os.Remove(configPath+".editor_wants_lock"))
	require.False(t, coord.Refresh())
	require.NoError(t, l.Flush())
	assert.Equal(t, 0, l.Pending())

	table, err := ReadTable(logPath)
	require.NoError(t, err)
	recs := table.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", table.Field(recs[0], "config_id"))
	assert.Equal(t, "b", table.Field(recs[1], "config_id"))
}
