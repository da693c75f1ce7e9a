// Package engine runs the supervisory loop that turns threshold
// crossings into native trailing-stop orders.
//
// Each tick walks a fixed sequence of phases: editor coordination,
// config reload with validation and auto-disable, stray-order
// reconciliation, batch price warming, rule evaluation with order
// submission, fill monitoring, successor activation and persistence.
// Every per-rule failure is isolated; one broken rule never stops the
// others from being evaluated.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ttslo/internal/core"
	"ttslo/internal/store"
	"ttslo/pkg/concurrency"
	"ttslo/pkg/telemetry"
)

// Account binds one credential scope to its exchange clients. Reader
// serves market data, balances and order queries; Trader submits
// orders and is nil when the scope has no read-write credentials.
type Account struct {
	Reader core.IExchange
	Trader core.IExchange
}

// Deps carries the engine's collaborators.
type Deps struct {
	Accounts map[string]Account
	Prices   core.IPriceSource
	Notifier core.INotifier
	Trades   core.ITradeLog
	Audit    core.IAuditLog
	Configs  *store.ConfigStore
	States   *store.StateStore
	Coord    *store.Coordinator
	Pool     *concurrency.WorkerPool
	Logger   core.ILogger
}

// Options tunes the loop.
type Options struct {
	Interval       time.Duration
	LostOrderTicks int
	DryRun         bool
	Once           bool
}

// Engine is the tick orchestrator.
type Engine struct {
	deps   Deps
	opts   Options
	logger core.ILogger

	rules     []core.Rule
	rulesByID map[string]core.Rule
	prevRows  []core.RuleRow
	loadedraw bool

	lastErrorIDs map[string]bool
	missing      map[string]int    // order id -> consecutive absent fill queries
	pendingChain map[string]string // successor id -> predecessor id
	fillErrSeen  map[string]bool   // account -> fill-query failure already notified

	tickSeq uint64

	tracer       trace.Tracer
	ticks        metric.Int64Counter
	evaluations  metric.Int64Counter
	ordersPlaced metric.Int64Counter
	ordersFilled metric.Int64Counter
	tickSeconds  metric.Float64Histogram
}

// New builds an engine. Zero or negative option values fall back to
// the documented defaults (60s interval, 3 lost-order ticks).
func New(deps Deps, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.LostOrderTicks <= 0 {
		opts.LostOrderTicks = 3
	}
	e := &Engine{
		deps:         deps,
		opts:         opts,
		logger:       deps.Logger.WithField("component", "engine"),
		rulesByID:    make(map[string]core.Rule),
		lastErrorIDs: make(map[string]bool),
		missing:      make(map[string]int),
		pendingChain: make(map[string]string),
		fillErrSeen:  make(map[string]bool),
		tracer:       telemetry.GetTracer("engine"),
	}
	meter := telemetry.GetMeter("engine")
	e.ticks, _ = meter.Int64Counter("ttslo_ticks_total",
		metric.WithDescription("Completed evaluation ticks"))
	e.evaluations, _ = meter.Int64Counter("ttslo_rule_evaluations_total",
		metric.WithDescription("Individual rule evaluations"))
	e.ordersPlaced, _ = meter.Int64Counter("ttslo_orders_placed_total",
		metric.WithDescription("Trailing-stop orders accepted by the exchange"))
	e.ordersFilled, _ = meter.Int64Counter("ttslo_orders_filled_total",
		metric.WithDescription("Trailing-stop orders observed filled"))
	e.tickSeconds, _ = meter.Float64Histogram("ttslo_tick_duration_seconds",
		metric.WithDescription("Wall-clock duration of one tick"))
	return e
}

// Run executes ticks until the context ends. With Once set a single
// tick runs and Run returns nil. An in-flight tick is allowed to
// finish after cancellation; only the waits between ticks observe it.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Engine started",
		"interval", e.opts.Interval.String(),
		"dry_run", e.opts.DryRun,
		"once", e.opts.Once)

	e.Tick(context.WithoutCancel(ctx))
	if e.opts.Once {
		e.logger.Info("Single evaluation complete")
		return nil
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one full evaluation cycle.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	e.tickSeq++
	ctx, span := e.tracer.Start(ctx, "engine.tick",
		trace.WithAttributes(attribute.Int64("tick.seq", int64(e.tickSeq))))
	defer span.End()

	logger := e.logger.WithField("tick", e.tickSeq)
	e.ticks.Add(ctx, 1)

	if e.deps.Coord.Refresh() {
		logger.Info("Editor holds the lock; file writes deferred this tick")
	}

	e.reload(ctx, logger)
	e.reconcile(ctx, logger)
	e.warmPrices(ctx, logger)
	e.evaluate(ctx, logger)
	filled := e.monitorFills(ctx, logger)
	e.activateSuccessors(ctx, logger, filled)
	e.persist(ctx, logger)

	elapsed := time.Since(start)
	e.tickSeconds.Record(ctx, elapsed.Seconds())
	logger.Debug("Tick complete", "elapsed", elapsed.String(), "rules", len(e.rules))
}

// warmPrices batch-fetches the distinct pairs of enabled, non-terminal
// rules so the per-rule reads hit a fresh cache.
func (e *Engine) warmPrices(ctx context.Context, logger core.ILogger) {
	seen := make(map[string]bool)
	var pairs []string
	for _, rule := range e.rules {
		if !rule.IsEnabled() {
			continue
		}
		state, _ := e.deps.States.Get(rule.ID)
		if core.DeriveLifecycle(rule, state) == core.LifecycleTerminal {
			continue
		}
		if !seen[rule.Pair] {
			seen[rule.Pair] = true
			pairs = append(pairs, rule.Pair)
		}
	}
	if len(pairs) == 0 {
		return
	}
	if err := e.deps.Prices.WarmCache(ctx, pairs); err != nil {
		logger.Warn("Price warm failed; per-rule reads fall back to single fetches",
			"pairs", len(pairs), "error", err.Error())
	}
}

// persist writes the state file, drains buffered audit rows and
// retries the notification queue. While the editor holds the lock the
// writes stay pending in memory and are retried next tick.
func (e *Engine) persist(ctx context.Context, logger core.ILogger) {
	if err := e.deps.States.Write(ctx); err != nil {
		if errors.Is(err, store.ErrPaused) {
			logger.Info("State write deferred during editor coordination")
		} else {
			logger.Error("State write failed", "error", err.Error())
		}
	}
	if err := e.deps.Audit.Flush(); err != nil {
		logger.Error("Audit log flush failed", "error", err.Error())
	}
	e.deps.Notifier.Flush(ctx)
}

func (e *Engine) audit(level, configID, message, details string) {
	if err := e.deps.Audit.Append(level, "engine", configID, message, details); err != nil {
		e.logger.Warn("Audit append failed", "config_id", configID, "error", err.Error())
	}
}

func (e *Engine) notify(ctx context.Context, kind core.EventKind, format string, args ...interface{}) {
	e.deps.Notifier.Notify(ctx, kind, fmt.Sprintf(format, args...))
}
