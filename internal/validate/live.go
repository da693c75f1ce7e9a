package validate

import (
	"context"

	"ttslo/internal/core"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)
var hundred = decimal.NewFromInt(100)

// Live checks rules against current market prices: a threshold the
// market has already crossed is an error, and a threshold closer to the
// market than the trailing offset would fire essentially at once. Needs
// only public market data.
func Live(ctx context.Context, ex core.IExchange, rules []core.Rule) *Report {
	report := &Report{}
	if len(rules) == 0 {
		return report
	}

	prices, fetchErrs := fetchPrices(ctx, ex, distinctPairs(rules))

	for _, rule := range rules {
		price, ok := prices[rule.Pair]
		if !ok {
			msg := "no price in ticker response"
			if err := fetchErrs[rule.Pair]; err != nil {
				msg = err.Error()
			}
			report.errorRule(rule, "pair", "cannot retrieve current price: %s", msg)
			continue
		}

		if rule.Crossed(price) {
			report.errorRule(rule, "threshold_price",
				"threshold already crossed: current price %s, threshold %s (%s)",
				price.String(), rule.ThresholdPrice.String(), rule.ThresholdType)
			continue
		}

		if price.IsZero() {
			continue
		}
		gapPct := price.Sub(rule.ThresholdPrice).Abs().Div(price).Mul(hundred)
		switch {
		case gapPct.LessThan(rule.TrailingOffsetPercent):
			report.errorRule(rule, "threshold_price",
				"gap to threshold (%s%%) is smaller than the trailing offset (%s%%); the stop would fire immediately after arming",
				gapPct.StringFixed(2), rule.TrailingOffsetPercent.String())
		case gapPct.LessThan(rule.TrailingOffsetPercent.Mul(two)):
			report.warnRule(rule, "threshold_price",
				"gap to threshold (%s%%) is less than twice the trailing offset (%s%%)",
				gapPct.StringFixed(2), rule.TrailingOffsetPercent.String())
		}
	}
	return report
}

func distinctPairs(rules []core.Rule) []string {
	seen := make(map[string]bool)
	var pairs []string
	for _, rule := range rules {
		if !seen[rule.Pair] {
			seen[rule.Pair] = true
			pairs = append(pairs, rule.Pair)
		}
	}
	return pairs
}

// fetchPrices tries the batch ticker first; a batch failure (one
// unknown pair fails the whole request) degrades to per-pair fetches so
// one bad symbol does not mask the others.
func fetchPrices(ctx context.Context, ex core.IExchange, pairs []string) (map[string]decimal.Decimal, map[string]error) {
	prices, err := ex.CurrentPrices(ctx, pairs)
	if err == nil && len(prices) == len(pairs) {
		return prices, nil
	}

	out := make(map[string]decimal.Decimal, len(pairs))
	errs := make(map[string]error)
	for _, pair := range pairs {
		if price, ok := prices[pair]; ok {
			out[pair] = price
			continue
		}
		price, perr := ex.CurrentPrice(ctx, pair)
		if perr != nil {
			errs[pair] = perr
			continue
		}
		out[pair] = price
	}
	return out, errs
}
