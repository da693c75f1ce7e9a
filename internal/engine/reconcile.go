package engine

import (
	"context"
	"sort"
	"time"

	"ttslo/internal/core"
)

// reconcile adopts open trailing stops that belong to an enabled,
// still-untriggered rule. A crash between exchange acceptance and the
// state write leaves such strays behind; without adoption the rule
// would arm a second order for the same intent.
func (e *Engine) reconcile(ctx context.Context, logger core.ILogger) {
	byAccount := make(map[string][]core.Rule)
	for _, rule := range e.rules {
		if !rule.IsEnabled() {
			continue
		}
		state, _ := e.deps.States.Get(rule.ID)
		if state.Triggered || state.FillNotified {
			continue
		}
		name := rule.AccountName()
		byAccount[name] = append(byAccount[name], rule)
	}
	if len(byAccount) == 0 {
		return
	}

	claimed := make(map[string]bool)
	for _, st := range e.deps.States.All() {
		if st.OrderID != "" {
			claimed[st.OrderID] = true
		}
	}

	for account, rules := range byAccount {
		acct, ok := e.deps.Accounts[account]
		if !ok || acct.Reader == nil {
			continue
		}
		open, err := acct.Reader.OpenOrders(ctx)
		if err != nil {
			logger.Warn("Open-order reconciliation failed",
				"account", account, "error", err.Error())
			continue
		}
		if len(open) == 0 {
			continue
		}

		ids := make([]string, 0, len(open))
		for id := range open {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, rule := range rules {
			for _, id := range ids {
				order := open[id]
				if claimed[id] ||
					order.Status != core.OrderOpen ||
					order.OrderType != "trailing-stop" ||
					order.Pair != rule.Pair ||
					order.Direction != rule.Direction ||
					!order.Volume.Equal(rule.Volume) {
					continue
				}

				state := e.deps.States.Ensure(rule.ID)
				state.Triggered = true
				state.OrderID = id
				state.TriggerTime = order.OpenTime
				state.ActivatedOn = order.OpenTime
				state.Offset = rule.TrailingOffsetPercent
				state.LastChecked = time.Now().UTC()
				e.deps.States.Put(state)
				claimed[id] = true

				logger.Warn("Adopted stray open order",
					"config_id", rule.ID,
					"order_id", id,
					"pair", rule.Pair,
					"opened", order.OpenTime.UTC().Format(core.TimeFormat))
				e.audit("WARN", rule.ID, "Adopted stray open order", "order_id="+id)
				break
			}
		}
	}
}
