package kraken

import (
	"context"
	"strings"

	"ttslo/internal/core"
	"ttslo/internal/exchange"
)

// Quote assets Kraken uses, longest first so suffix matching is unambiguous.
// Covers the classic Z/X-prefixed symbols and the modern bare ones.
var knownQuotes = []string{
	"ZUSD", "ZEUR", "ZGBP", "ZJPY", "ZCAD", "ZAUD", "ZCHF",
	"USDT", "USDC", "BUSD", "TUSD", "PYUSD", "EURT",
	"XXBT", "XETH", "XXDG",
	"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF",
	"XBT", "ETH", "BTC", "DAI", "POL", "DOT", "SOL",
}

// splitPair derives base and quote from a pair symbol when no exchange
// metadata is available. XXBTZUSD -> (XXBT, ZUSD), ETHUSDT -> (ETH, USDT).
func splitPair(pair string) (string, string, bool) {
	for _, quote := range knownQuotes {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return pair[:len(pair)-len(quote)], quote, true
		}
	}
	return "", "", false
}

// stripLegacyPrefix removes the single-letter asset class prefix Kraken
// attaches to its oldest listings (XXBT -> XBT, ZUSD -> USD).
func stripLegacyPrefix(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

// guessWSName builds the websocket pair name used by the public stream
// (XBT/USD style) from a REST pair symbol.
func guessWSName(pair string) string {
	base, quote, ok := splitPair(pair)
	if !ok {
		return ""
	}
	return stripLegacyPrefix(base) + "/" + stripLegacyPrefix(quote)
}

type assetPairInfo struct {
	Altname string `json:"altname"`
	WSName  string `json:"wsname"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
}

// AssetPairs fetches the venue's tradable pair metadata. The result is
// cached for the life of the client; later calls return the cache.
func (c *Client) AssetPairs(ctx context.Context) (map[string]core.PairInfo, error) {
	c.pairsMu.RLock()
	if len(c.pairs) > 0 {
		cached := c.pairs
		c.pairsMu.RUnlock()
		return cached, nil
	}
	c.pairsMu.RUnlock()

	body, err := c.pub.Get(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, exchange.Classify("AssetPairs", err)
	}

	var raw map[string]assetPairInfo
	if err := c.decode("AssetPairs", body, &raw); err != nil {
		return nil, err
	}

	pairs := make(map[string]core.PairInfo, len(raw))
	alt := make(map[string]string, len(raw)*2)
	for name, info := range raw {
		pairs[name] = core.PairInfo{
			Name:    name,
			Altname: info.Altname,
			WSName:  info.WSName,
			Base:    info.Base,
			Quote:   info.Quote,
		}
		if info.Altname != "" {
			alt[info.Altname] = name
		}
		if info.WSName != "" {
			alt[info.WSName] = name
		}
	}

	c.pairsMu.Lock()
	c.pairs = pairs
	c.alt = alt
	c.pairsMu.Unlock()

	c.logger.Debug("Loaded asset pair metadata", "pairs", len(pairs))
	return pairs, nil
}

// PairInfo resolves metadata for one pair. A cache miss triggers one
// AssetPairs fetch; if the venue cannot be reached the symbol is split
// locally so callers always learn the base and quote assets.
func (c *Client) PairInfo(ctx context.Context, pair string) (core.PairInfo, error) {
	if info, ok := c.lookupPair(pair); ok {
		return info, nil
	}

	if _, err := c.AssetPairs(ctx); err != nil {
		c.logger.Warn("AssetPairs unavailable, splitting pair locally", "pair", pair, "error", err)
	}
	if info, ok := c.lookupPair(pair); ok {
		return info, nil
	}

	base, quote, ok := splitPair(pair)
	if !ok {
		return core.PairInfo{}, exchange.NewAPIError(exchange.KindOther, "AssetPairs", "unknown pair "+pair, 0)
	}
	return core.PairInfo{
		Name:   pair,
		WSName: guessWSName(pair),
		Base:   base,
		Quote:  quote,
	}, nil
}

func (c *Client) lookupPair(pair string) (core.PairInfo, bool) {
	c.pairsMu.RLock()
	defer c.pairsMu.RUnlock()

	if info, ok := c.pairs[pair]; ok {
		return info, true
	}
	if name, ok := c.alt[pair]; ok {
		return c.pairs[name], true
	}
	return core.PairInfo{}, false
}

// normalizePair maps an altname or wsname back to the canonical pair
// symbol; unknown names pass through unchanged.
func (c *Client) normalizePair(pair string) string {
	c.pairsMu.RLock()
	defer c.pairsMu.RUnlock()

	if _, ok := c.pairs[pair]; ok {
		return pair
	}
	if name, ok := c.alt[pair]; ok {
		return name
	}
	return pair
}
