package validate

import (
	"fmt"
	"strings"

	"ttslo/internal/core"

	"github.com/shopspring/decimal"
)

// Static validates raw config rows offline and parses the clean ones
// into typed rules. Returned rules include disabled rows so successor
// lookups can see them; rows with any error are excluded.
func Static(rows []core.RuleRow) ([]core.Rule, *Report) {
	report := &Report{}

	occurrences := make(map[string]int, len(rows))
	for _, row := range rows {
		if row.ID != "" {
			occurrences[row.ID]++
		}
	}

	candidates := make([]core.Rule, 0, len(rows))
	for _, row := range rows {
		rule, ok := checkRow(row, occurrences, report)
		if ok {
			candidates = append(candidates, rule)
		}
	}

	detectCycles(rows, report)

	bad := report.errorIDSet()
	rules := candidates[:0]
	for _, rule := range candidates {
		if !bad[rule.ID] {
			rules = append(rules, rule)
		}
	}
	return rules, report
}

// checkRow runs every per-row check and parses the row. ok is false
// when any error finding was recorded for the row.
func checkRow(row core.RuleRow, occurrences map[string]int, report *Report) (core.Rule, bool) {
	failed := false
	fail := func(field, format string, args ...interface{}) {
		failed = true
		report.errorRow(row, field, format, args...)
	}

	if row.ID == "" {
		fail("id", "id must not be empty")
	} else if occurrences[row.ID] > 1 {
		fail("id", "duplicate id (%d rows share it)", occurrences[row.ID])
	}

	if row.Pair == "" {
		fail("pair", "pair is required")
	}

	threshold := requirePositive(row.ThresholdPrice, "threshold_price", fail)
	volume := requirePositive(row.Volume, "volume", fail)
	offset := requirePositive(row.TrailingOffsetPercent, "trailing_offset_percent", fail)

	thresholdType := core.ThresholdType(row.ThresholdType)
	switch thresholdType {
	case core.ThresholdAbove, core.ThresholdBelow:
	default:
		fail("threshold_type", "must be above or below, got %q", row.ThresholdType)
	}

	direction := core.Direction(row.Direction)
	switch direction {
	case core.DirectionBuy, core.DirectionSell:
	default:
		fail("direction", "must be buy or sell, got %q", row.Direction)
	}

	enabled := core.EnabledState(row.Enabled)
	switch enabled {
	case core.EnabledTrue, core.EnabledFalse, core.EnabledPaused, core.EnabledCanceled:
	default:
		fail("enabled", "must be true, false, paused or canceled, got %q", row.Enabled)
	}

	if row.LinkedOrderID != "" {
		if row.LinkedOrderID == row.ID {
			fail("linked_order_id", "rule links to itself")
		} else if occurrences[row.LinkedOrderID] == 0 {
			fail("linked_order_id", "unknown successor id %q", row.LinkedOrderID)
		}
	}

	checkFinancialResponsibility(row, thresholdType, direction, fail)

	if failed {
		return core.Rule{}, false
	}
	return core.Rule{
		ID:                    row.ID,
		Pair:                  row.Pair,
		ThresholdPrice:        threshold,
		ThresholdType:         thresholdType,
		Direction:             direction,
		Volume:                volume,
		TrailingOffsetPercent: offset,
		Enabled:               enabled,
		LinkedOrderID:         row.LinkedOrderID,
		Account:               row.Account,
	}, true
}

func requirePositive(raw, field string, fail func(field, format string, args ...interface{})) decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		fail(field, "%s is required", field)
		return decimal.Zero
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		fail(field, "not a number: %q", raw)
		return decimal.Zero
	}
	if !value.IsPositive() {
		fail(field, "must be positive, got %s", value.String())
	}
	return value
}

// checkFinancialResponsibility blocks buy-high and sell-low intents on
// pairs that settle in fiat, stablecoins or bitcoin. Only above+sell
// and below+buy are admissible there; exotic quotes are exempt.
func checkFinancialResponsibility(row core.RuleRow, thresholdType core.ThresholdType, direction core.Direction, fail func(field, format string, args ...interface{})) {
	quote, protected := settlementQuote(row.Pair)
	if !protected {
		return
	}
	sellHigh := thresholdType == core.ThresholdAbove && direction == core.DirectionSell
	buyLow := thresholdType == core.ThresholdBelow && direction == core.DirectionBuy
	if sellHigh || buyLow {
		return
	}
	// Only flag combinations that parsed; enum errors are already reported.
	validType := thresholdType == core.ThresholdAbove || thresholdType == core.ThresholdBelow
	validDir := direction == core.DirectionBuy || direction == core.DirectionSell
	if validType && validDir {
		fail("direction", "%s+%s on a %s-quoted pair buys high or sells low; use above+sell or below+buy",
			thresholdType, direction, quote)
	}
}

// detectCycles walks the successor graph and flags every rule on a
// cycle. Each rule has at most one successor, so a depth-first walk
// with an on-path marker finds them all.
func detectCycles(rows []core.RuleRow, report *Report) {
	next := make(map[string]string)
	lines := make(map[string]int)
	for _, row := range rows {
		if row.ID == "" || row.LinkedOrderID == "" || row.LinkedOrderID == row.ID {
			continue
		}
		next[row.ID] = row.LinkedOrderID
		lines[row.ID] = row.Line
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		if succ, ok := next[id]; ok {
			switch color[succ] {
			case white:
				visit(succ)
			case gray:
				start := 0
				for i, member := range path {
					if member == succ {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), succ)
				desc := strings.Join(cycle, " -> ")
				for _, member := range path[start:] {
					report.add(Finding{
						RuleID:   member,
						Line:     lines[member],
						Field:    "linked_order_id",
						Severity: SeverityError,
						Message:  fmt.Sprintf("successor cycle: %s", desc),
					})
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, row := range rows {
		if _, ok := next[row.ID]; ok && color[row.ID] == white {
			visit(row.ID)
		}
	}
}
