// Package profit appends realized trade legs to the trades file.
package profit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ttslo/internal/core"
	"ttslo/internal/store"
	"ttslo/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

var tradesHeader = []string{
	"trade_id", "config_id", "pair", "direction", "volume",
	"entry_price", "exit_price", "entry_time", "exit_time",
	"profit_loss", "profit_loss_pct", "status", "notes",
}

var pctScale = decimal.NewFromInt(100)

// Tracker implements core.ITradeLog. Entry legs are recorded at
// trigger time; exit legs at fill time, with the entry recovered from
// the rule's persisted state so completed trades survive restarts.
type Tracker struct {
	path   string
	dryRun bool
	logger core.ILogger

	mu       sync.Mutex
	recorded metric.Int64Counter
	realized metric.Float64UpDownCounter
}

// NewTracker creates a tracker writing to the trades file at path.
func NewTracker(path string, dryRun bool, logger core.ILogger) *Tracker {
	t := &Tracker{
		path:   path,
		dryRun: dryRun,
		logger: logger.WithField("component", "profit_tracker"),
	}

	meter := telemetry.GetMeter("profit")
	t.recorded, _ = meter.Int64Counter("trades_recorded_total",
		metric.WithDescription("Trade rows appended to the trades file"))
	t.realized, _ = meter.Float64UpDownCounter("profit_realized_total",
		metric.WithDescription("Cumulative realized profit and loss in quote currency"))
	return t
}

// RecordTrigger appends the entry leg when a rule arms.
func (t *Tracker) RecordTrigger(rule core.Rule, price decimal.Decimal, at time.Time) error {
	rec := core.TradeRecord{
		TradeID:    uuid.NewString(),
		ConfigID:   rule.ID,
		Pair:       rule.Pair,
		Direction:  rule.Direction,
		Volume:     rule.Volume,
		EntryPrice: price,
		EntryTime:  at,
		Status:     core.TradeTriggered,
		Notes:      fmt.Sprintf("threshold %s %s crossed", rule.ThresholdType, rule.ThresholdPrice.String()),
	}
	return t.append(rec)
}

// RecordFill appends the exit leg when the trailing stop closes. The
// entry comes from the rule's state row; without one the row is marked
// filled_only and carries no profit figure.
func (t *Tracker) RecordFill(rule core.Rule, state core.RuleState, exitPrice decimal.Decimal, at time.Time) error {
	rec := core.TradeRecord{
		TradeID:   uuid.NewString(),
		ConfigID:  rule.ID,
		Pair:      rule.Pair,
		Direction: rule.Direction,
		Volume:    rule.Volume,
		ExitPrice: exitPrice,
		ExitTime:  at,
	}

	if state.TriggerPrice.IsZero() || state.TriggerTime.IsZero() {
		rec.Status = core.TradeFilledOnly
		rec.Notes = "no entry leg recorded"
		return t.append(rec)
	}

	rec.EntryPrice = state.TriggerPrice
	rec.EntryTime = state.TriggerTime
	rec.Status = core.TradeCompleted
	rec.ProfitLoss = profitLoss(rule.Direction, state.TriggerPrice, exitPrice, rule.Volume)

	entryValue := state.TriggerPrice.Mul(rule.Volume)
	if !entryValue.IsZero() {
		rec.ProfitLossPct = rec.ProfitLoss.Div(entryValue).Mul(pctScale).Round(4)
	}
	return t.append(rec)
}

// profitLoss applies the per-direction sign rule: sell realizes
// (entry-exit)*volume, buy realizes (exit-entry)*volume.
func profitLoss(direction core.Direction, entry, exit, volume decimal.Decimal) decimal.Decimal {
	if direction == core.DirectionSell {
		return entry.Sub(exit).Mul(volume)
	}
	return exit.Sub(entry).Mul(volume)
}

func (t *Tracker) append(rec core.TradeRecord) error {
	if t.dryRun {
		t.logger.Info("[dry-run] Would record trade",
			"config_id", rec.ConfigID, "status", string(rec.Status), "profit_loss", rec.ProfitLoss.String())
		return nil
	}

	t.mu.Lock()
	err := store.AppendRow(t.path, tradesHeader, renderTrade(rec))
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to append trade for %s: %w", rec.ConfigID, err)
	}

	ctx := context.Background()
	t.recorded.Add(ctx, 1)
	if rec.Status == core.TradeCompleted {
		pl, _ := rec.ProfitLoss.Float64()
		t.realized.Add(ctx, pl)
	}

	t.logger.Info("Trade recorded",
		"config_id", rec.ConfigID,
		"status", string(rec.Status),
		"pair", rec.Pair,
		"profit_loss", rec.ProfitLoss.String())
	return nil
}

func renderTrade(rec core.TradeRecord) []string {
	entryPrice, entryTime := "", ""
	if !rec.EntryPrice.IsZero() || !rec.EntryTime.IsZero() {
		entryPrice = rec.EntryPrice.String()
		entryTime = rec.EntryTime.UTC().Format(core.TimeFormat)
	}
	exitPrice, exitTime := "", ""
	if !rec.ExitPrice.IsZero() || !rec.ExitTime.IsZero() {
		exitPrice = rec.ExitPrice.String()
		exitTime = rec.ExitTime.UTC().Format(core.TimeFormat)
	}
	profitLoss, profitLossPct := "", ""
	if rec.Status == core.TradeCompleted {
		profitLoss = rec.ProfitLoss.String()
		profitLossPct = rec.ProfitLossPct.String()
	}

	return []string{
		rec.TradeID,
		rec.ConfigID,
		rec.Pair,
		string(rec.Direction),
		rec.Volume.String(),
		entryPrice,
		exitPrice,
		entryTime,
		exitTime,
		profitLoss,
		profitLossPct,
		string(rec.Status),
		rec.Notes,
	}
}
