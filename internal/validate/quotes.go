package validate

import "strings"

// settlementQuotes lists the quote codes that make a pair subject to
// the buy-low/sell-high constraint: fiat, stablecoins, their venue
// prefixed variants, and bitcoin. Longest codes first so USDT is not
// shadowed by USD.
var settlementQuotes = []string{
	"XXBT", "BUSD", "USDT", "USDC", "ZUSD", "ZEUR", "ZGBP", "ZJPY",
	"USD", "EUR", "GBP", "JPY", "DAI", "XBT", "BTC",
}

// settlementQuote returns the quote code when the pair settles in a
// protected asset. Exotic crypto-to-crypto quotes are exempt and
// return false.
func settlementQuote(pair string) (string, bool) {
	p := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(pair)), "/", "")
	for _, quote := range settlementQuotes {
		if len(p) > len(quote) && strings.HasSuffix(p, quote) {
			return quote, true
		}
	}
	return "", false
}
