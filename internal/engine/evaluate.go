package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ttslo/internal/core"
	"ttslo/internal/exchange"
)

// evaluate walks every pending rule and arms those whose threshold has
// been crossed. Rules fan out on the worker pool; the tick waits for
// all of them before moving to fill monitoring.
func (e *Engine) evaluate(ctx context.Context, logger core.ILogger) {
	var pending []core.Rule
	for _, rule := range e.rules {
		state, _ := e.deps.States.Get(rule.ID)
		if core.DeriveLifecycle(rule, state) == core.LifecyclePending {
			pending = append(pending, rule)
		}
	}
	if len(pending) == 0 {
		return
	}
	group := e.deps.Pool.Group()
	for _, rule := range pending {
		group.Submit(func() {
			e.processRule(ctx, logger, rule)
		})
	}
	group.Wait()
}

// processRule runs the pre-submission checks for one rule, in order:
// lifecycle, field soundness, credentials, price, threshold, balance.
// Only when every check passes does a trailing stop go out.
func (e *Engine) processRule(ctx context.Context, logger core.ILogger, rule core.Rule) {
	log := logger.WithField("config_id", rule.ID)
	e.evaluations.Add(ctx, 1)

	state := e.deps.States.Ensure(rule.ID)
	if !rule.IsEnabled() || state.Triggered {
		return
	}
	state.LastChecked = time.Now().UTC()

	if err := ruleSound(rule); err != nil {
		state.LastError = "validation: " + err.Error()
		e.deps.States.Put(state)
		log.Error("Rule failed pre-submission validation", "error", err.Error())
		return
	}

	acct, ok := e.deps.Accounts[rule.AccountName()]
	if !ok || acct.Trader == nil {
		e.deps.States.Put(state)
		log.Error("No read-write credentials for account; cannot submit orders",
			"account", rule.AccountName())
		return
	}

	price, age, err := e.deps.Prices.GetPrice(ctx, rule.Pair)
	if err != nil {
		state.LastError = "price: " + err.Error()
		e.deps.States.Put(state)
		log.Error("Cannot retrieve price", "pair", rule.Pair, "error", err.Error())
		e.audit("ERROR", rule.ID, "Cannot retrieve price", err.Error())
		return
	}

	if !rule.Crossed(price) {
		state.LastError = ""
		state.ErrorNotified = false
		e.deps.States.Put(state)
		log.Debug("Threshold not crossed",
			"pair", rule.Pair, "price", price.String(),
			"threshold", rule.ThresholdPrice.String())
		return
	}

	log.Info("Threshold crossed",
		"pair", rule.Pair,
		"direction", string(rule.Direction),
		"price", price.String(),
		"threshold", fmt.Sprintf("%s %s", rule.ThresholdType, rule.ThresholdPrice.String()),
		"price_age", age.String())

	sufficient, detail, err := e.checkBalance(ctx, acct, rule, price)
	if err != nil {
		e.failSubmission(ctx, log, rule, state, exchange.Classify("Balance", err))
		return
	}
	if !sufficient {
		state.LastError = "insufficient balance: " + detail
		log.Warn("Insufficient balance for trailing stop", "pair", rule.Pair, "detail", detail)
		e.audit("WARN", rule.ID, "Insufficient balance", detail)
		if !state.ErrorNotified {
			state.ErrorNotified = true
			e.notify(ctx, core.EventInsufficientBalance, "%s: cannot place %s %s %s, %s",
				rule.ID, string(rule.Direction), rule.Volume.String(), rule.Pair, detail)
		}
		e.deps.States.Put(state)
		return
	}

	e.submit(ctx, log, acct, rule, state, price)
}

// checkBalance verifies the account can cover the order: the base
// asset volume for a sell, volume times current price in the quote
// asset for a buy. Wallet suffixes count toward the same asset.
func (e *Engine) checkBalance(ctx context.Context, acct Account, rule core.Rule, price decimal.Decimal) (bool, string, error) {
	info, err := acct.Reader.PairInfo(ctx, rule.Pair)
	if err != nil {
		return false, "", fmt.Errorf("pair metadata: %w", err)
	}
	balances, err := acct.Reader.Balance(ctx)
	if err != nil {
		return false, "", fmt.Errorf("balance query: %w", err)
	}

	asset := info.Base
	need := rule.Volume
	if rule.Direction == core.DirectionBuy {
		asset = info.Quote
		need = rule.Volume.Mul(price)
	}
	have := balances.Asset(asset)
	if have.LessThan(need) {
		return false, fmt.Sprintf("need %s %s, have %s", need.String(), asset, have.String()), nil
	}
	return true, "", nil
}

// submit places the native trailing stop and records the arming
// transition: state, audit row, notifications and the trade entry leg.
func (e *Engine) submit(ctx context.Context, log core.ILogger, acct Account, rule core.Rule, state core.RuleState, price decimal.Decimal) {
	offset := core.FormatOffset(rule.TrailingOffsetPercent)

	if e.opts.DryRun {
		e.deps.States.Put(state)
		log.Info("[dry-run] Would submit trailing stop",
			"pair", rule.Pair,
			"direction", string(rule.Direction),
			"volume", rule.Volume.String(),
			"offset", offset)
		return
	}

	orderID, err := acct.Trader.AddTrailingStop(ctx, core.TrailingStopRequest{
		Pair:          rule.Pair,
		Direction:     rule.Direction,
		Volume:        rule.Volume,
		OffsetPercent: rule.TrailingOffsetPercent,
	})
	if err != nil {
		e.failSubmission(ctx, log, rule, state, exchange.Classify("AddOrder", err))
		return
	}

	now := time.Now().UTC()
	state.Triggered = true
	state.TriggerPrice = price
	state.TriggerTime = now
	state.OrderID = orderID
	state.Offset = rule.TrailingOffsetPercent
	state.ActivatedOn = now
	state.LastError = ""
	state.ErrorNotified = false
	e.deps.States.Put(state)

	e.ordersPlaced.Add(ctx, 1)
	log.Info("Trailing stop armed",
		"order_id", orderID,
		"trigger_price", price.String(),
		"offset", offset)
	e.audit("INFO", rule.ID, "Trailing stop created",
		fmt.Sprintf("order_id=%s trigger_price=%s offset=%s", orderID, price.String(), offset))

	e.notify(ctx, core.EventTriggerReached, "%s: %s crossed %s %s at %s",
		rule.ID, rule.Pair, rule.ThresholdType, rule.ThresholdPrice.String(), price.String())
	e.notify(ctx, core.EventTSLCreated, "%s: %s %s %s trailing %s, order %s",
		rule.ID, string(rule.Direction), rule.Volume.String(), rule.Pair, offset, orderID)

	if err := e.deps.Trades.RecordTrigger(rule, price, now); err != nil {
		log.Error("Trade entry record failed", "error", err.Error())
	}
}

// failSubmission records a failed order attempt. The first failure in
// a streak notifies; repeats only log until the rule evaluates cleanly
// again. Transient transport failures notify as API errors, everything
// else as an order rejection.
func (e *Engine) failSubmission(ctx context.Context, log core.ILogger, rule core.Rule, state core.RuleState, apiErr *exchange.APIError) {
	log.Error("Trailing-stop submission failed",
		"kind", apiErr.Kind.String(), "error", apiErr.Error())
	e.audit("ERROR", rule.ID, "Order submission failed", apiErr.Error())

	state.LastError = apiErr.Error()
	if !state.ErrorNotified {
		state.ErrorNotified = true
		kind := core.EventOrderFailed
		if apiErr.Transient() {
			kind = core.EventAPIError
		}
		e.notify(ctx, kind, "%s: trailing-stop submission failed: %s", rule.ID, apiErr.Error())
	}
	e.deps.States.Put(state)
}

// ruleSound re-checks the order-relevant fields immediately before any
// money moves, independent of the reload-time validation pass.
func ruleSound(rule core.Rule) error {
	switch {
	case rule.Pair == "":
		return errors.New("pair is empty")
	case !rule.ThresholdPrice.IsPositive():
		return errors.New("threshold_price not positive")
	case !rule.Volume.IsPositive():
		return errors.New("volume not positive")
	case !rule.TrailingOffsetPercent.IsPositive():
		return errors.New("trailing_offset_percent not positive")
	}
	switch rule.ThresholdType {
	case core.ThresholdAbove, core.ThresholdBelow:
	default:
		return fmt.Errorf("unknown threshold_type %q", string(rule.ThresholdType))
	}
	switch rule.Direction {
	case core.DirectionBuy, core.DirectionSell:
	default:
		return fmt.Errorf("unknown direction %q", string(rule.Direction))
	}
	return nil
}
