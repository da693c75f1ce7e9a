package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ttslo/internal/core"
	"ttslo/internal/exchange"
	"ttslo/internal/store"
)

type armedRule struct {
	rule  core.Rule
	state core.RuleState
}

// monitorFills queries the exchange for every armed order, batched per
// account, and closes out the ones that finished. It returns the rules
// whose orders filled completely this tick; those feed the successor
// activation phase.
func (e *Engine) monitorFills(ctx context.Context, logger core.ILogger) []core.Rule {
	byAccount := make(map[string][]armedRule)
	for _, rule := range e.rules {
		state, ok := e.deps.States.Get(rule.ID)
		if !ok || !state.Triggered || state.FillNotified || state.OrderID == "" {
			continue
		}
		name := rule.AccountName()
		byAccount[name] = append(byAccount[name], armedRule{rule: rule, state: state})
	}

	var filled []core.Rule
	for account, items := range byAccount {
		acct, ok := e.deps.Accounts[account]
		if !ok || acct.Reader == nil {
			logger.Warn("No credentials to monitor fills for account", "account", account)
			continue
		}

		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.state.OrderID)
		}
		orders, err := acct.Reader.QueryOrders(ctx, ids)
		if err != nil {
			apiErr := exchange.Classify("QueryOrders", err)
			logger.Error("Fill query failed",
				"account", account, "orders", len(ids), "error", apiErr.Error())
			if !e.fillErrSeen[account] {
				e.fillErrSeen[account] = true
				e.notify(ctx, core.EventAPIError, "Fill monitoring failed for account %s: %s",
					account, apiErr.Error())
			}
			continue
		}
		delete(e.fillErrSeen, account)

		for _, it := range items {
			log := logger.WithField("config_id", it.rule.ID)
			order, found := orders[it.state.OrderID]
			if !found {
				e.strikeMissing(log, it.rule, it.state)
				continue
			}
			delete(e.missing, it.state.OrderID)

			switch order.Status {
			case core.OrderOpen, core.OrderPending:
				// still working on the venue
			case core.OrderClosed:
				e.recordFill(ctx, log, it.rule, it.state, order)
				if order.FullyFilled() {
					filled = append(filled, it.rule)
				}
			case core.OrderCanceled, core.OrderExpired:
				e.closeWithoutFill(ctx, log, it.rule, it.state, order)
			}
		}
	}
	return filled
}

// strikeMissing counts consecutive queries in which an armed order was
// absent from the response. After the configured number of strikes the
// rule is closed out with a recorded warning rather than polled forever.
func (e *Engine) strikeMissing(log core.ILogger, rule core.Rule, state core.RuleState) {
	e.missing[state.OrderID]++
	n := e.missing[state.OrderID]
	if n < e.opts.LostOrderTicks {
		log.Warn("Armed order missing from query response",
			"order_id", state.OrderID, "strikes", n)
		return
	}
	delete(e.missing, state.OrderID)

	state.FillNotified = true
	state.LastError = fmt.Sprintf("order %s missing from %d consecutive queries; marked lost", state.OrderID, n)
	e.deps.States.Put(state)

	log.Warn("Armed order lost; closing out rule",
		"order_id", state.OrderID, "strikes", n)
	e.audit("WARN", rule.ID, "Armed order lost",
		fmt.Sprintf("order_id=%s absent for %d queries", state.OrderID, n))
}

// recordFill closes out a filled order: terminal state, audit row,
// notification and the exit leg of the trade record.
func (e *Engine) recordFill(ctx context.Context, log core.ILogger, rule core.Rule, state core.RuleState, order core.Order) {
	exitPrice := order.Price
	if exitPrice.IsZero() {
		exitPrice = state.TriggerPrice
	}
	exitTime := order.CloseTime
	if exitTime.IsZero() {
		exitTime = time.Now().UTC()
	}

	state.FillNotified = true
	state.LastError = ""
	state.ErrorNotified = false
	e.deps.States.Put(state)

	e.ordersFilled.Add(ctx, 1)
	log.Info("Trailing stop filled",
		"order_id", state.OrderID,
		"pair", rule.Pair,
		"exit_price", exitPrice.String(),
		"executed", order.ExecutedVolume.String())
	e.audit("INFO", rule.ID, "Trailing stop filled",
		fmt.Sprintf("order_id=%s exit_price=%s executed=%s", state.OrderID, exitPrice.String(), order.ExecutedVolume.String()))
	e.notify(ctx, core.EventTSLFilled, "%s: %s %s %s filled at %s, order %s",
		rule.ID, string(rule.Direction), rule.Volume.String(), rule.Pair, exitPrice.String(), state.OrderID)

	if err := e.deps.Trades.RecordFill(rule, state, exitPrice, exitTime); err != nil {
		log.Error("Trade exit record failed", "error", err.Error())
	}
}

// closeWithoutFill handles canceled and expired orders: the rule goes
// terminal with no successor activation. A partial execution before
// the cancel is recorded as a standalone exit leg for its executed
// volume.
func (e *Engine) closeWithoutFill(ctx context.Context, log core.ILogger, rule core.Rule, state core.RuleState, order core.Order) {
	detail := fmt.Sprintf("order_id=%s executed=%s", state.OrderID, order.ExecutedVolume.String())
	if order.Reason != "" {
		detail += " reason=" + order.Reason
	}

	state.FillNotified = true
	state.LastError = fmt.Sprintf("order %s %s without filling", state.OrderID, order.Status)
	e.deps.States.Put(state)

	log.Warn("Armed order ended without a fill",
		"order_id", state.OrderID,
		"status", string(order.Status),
		"reason", order.Reason,
		"executed", order.ExecutedVolume.String())
	e.audit("WARN", rule.ID, "Armed order "+string(order.Status), detail)

	if order.ExecutedVolume.IsPositive() {
		partialRule := rule
		partialRule.Volume = order.ExecutedVolume
		partialState := state
		partialState.TriggerPrice = decimal.Zero
		partialState.TriggerTime = time.Time{}
		exitTime := order.CloseTime
		if exitTime.IsZero() {
			exitTime = time.Now().UTC()
		}
		if err := e.deps.Trades.RecordFill(partialRule, partialState, order.Price, exitTime); err != nil {
			log.Error("Partial-fill trade record failed", "error", err.Error())
		}
	}
}

// activateSuccessors enables the linked rule of every fully filled
// order. An activation blocked by the editor lock stays pending and is
// retried on later ticks.
func (e *Engine) activateSuccessors(ctx context.Context, logger core.ILogger, filled []core.Rule) {
	for _, rule := range filled {
		if rule.LinkedOrderID != "" {
			e.pendingChain[rule.LinkedOrderID] = rule.ID
		}
	}

	for succID, predID := range e.pendingChain {
		log := logger.WithFields(map[string]interface{}{
			"config_id": succID, "activated_by": predID,
		})

		successor, ok := e.rulesByID[succID]
		if !ok {
			log.Warn("Successor rule not found; skipping activation")
			delete(e.pendingChain, succID)
			continue
		}
		if successor.Enabled == core.EnabledTrue {
			delete(e.pendingChain, succID)
			continue
		}
		if successor.Enabled == core.EnabledCanceled {
			log.Warn("Successor rule is canceled; not reactivating")
			delete(e.pendingChain, succID)
			continue
		}
		if st, ok := e.deps.States.Get(succID); ok && st.Triggered {
			log.Warn("Successor rule already triggered once; not reactivating")
			delete(e.pendingChain, succID)
			continue
		}

		err := e.deps.Configs.SetEnabled(ctx, succID, core.EnabledTrue)
		switch {
		case errors.Is(err, store.ErrPaused):
			log.Info("Successor activation deferred during editor coordination")
		case err != nil:
			log.Error("Successor activation failed", "error", err.Error())
		default:
			delete(e.pendingChain, succID)
			e.noteEnabledWrite(succID, core.EnabledTrue)
			log.Info("Linked rule activated")
			e.audit("INFO", succID, "Linked rule activated", "predecessor="+predID)
			e.notify(ctx, core.EventLinkedOrderActivated, "%s enabled after %s filled", succID, predID)
		}
	}
}
