// Package kraken implements the exchange client for the Kraken spot API.
//
// Public endpoints ride the retrying HTTP pipeline; private endpoints use
// a non-retrying pipeline because every signed request consumes a nonce
// and order submission must never repeat on its own.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"ttslo/internal/config"
	"ttslo/internal/core"
	"ttslo/internal/credentials"
	"ttslo/internal/exchange"
	pkghttp "ttslo/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Client talks to the Kraken REST API with one credential pair.
// A client built without credentials serves public endpoints only.
type Client struct {
	pub     *pkghttp.Client
	priv    *pkghttp.Client
	signer  *Signer
	limiter *rate.Limiter
	logger  core.ILogger

	pairsMu sync.RWMutex
	pairs   map[string]core.PairInfo
	alt     map[string]string
}

// NewClient builds a client for the given credential pair. Pass a nil
// pair for a public-data-only client.
func NewClient(cfg config.ExchangeSettings, creds *credentials.Pair, logger core.ILogger) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	c := &Client{
		pub:     pkghttp.NewClient(cfg.BaseURL, timeout, nil),
		limiter: rate.NewLimiter(rate.Limit(cfg.PrivateRateLimit), cfg.PrivateBurst),
		logger:  logger.WithField("component", "kraken"),
	}

	if creds != nil {
		signer, err := NewSigner(creds.Key, creds.Secret)
		if err != nil {
			return nil, err
		}
		c.signer = signer
		c.priv = pkghttp.NewOnceClient(cfg.BaseURL, timeout, signer)
	}

	return c, nil
}

// krakenResponse is the envelope every endpoint returns.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// decode unwraps the envelope and classifies venue-reported errors.
func (c *Client) decode(endpoint string, body []byte, out interface{}) error {
	var resp krakenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.NewAPIError(exchange.KindOther, endpoint,
			fmt.Sprintf("malformed response: %v", err), 0)
	}

	if len(resp.Error) > 0 {
		msg := strings.Join(resp.Error, "; ")
		return exchange.NewAPIError(classifyVenueError(msg), endpoint, msg, 0)
	}

	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return exchange.NewAPIError(exchange.KindOther, endpoint,
				fmt.Sprintf("malformed result: %v", err), 0)
		}
	}
	return nil
}

// classifyVenueError maps Kraken error strings onto the failure taxonomy.
// EAPI:Rate limit exceeded, EOrder:Rate limit exceeded -> rate limit;
// EService:Unavailable, EService:Busy -> server error; the rest is Other.
func classifyVenueError(msg string) exchange.Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "temporary lockout"):
		return exchange.KindRateLimit
	case strings.HasPrefix(msg, "EService:"):
		return exchange.KindServerError
	default:
		return exchange.KindOther
	}
}

// public performs an unauthenticated GET and unwraps the result.
func (c *Client) public(ctx context.Context, endpoint, path string, params map[string]string, out interface{}) error {
	body, err := c.pub.Get(ctx, path, params)
	if err != nil {
		return exchange.Classify(endpoint, err)
	}
	return c.decode(endpoint, body, out)
}

// private signs and performs a POST to a private endpoint. Calls are
// paced by the per-key rate limiter.
func (c *Client) private(ctx context.Context, endpoint string, params map[string]string, out interface{}) error {
	if c.priv == nil {
		return exchange.NewAPIError(exchange.KindOther, endpoint, "no credentials for private call", 0)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return exchange.Classify(endpoint, err)
	}

	form := make(url.Values, len(params)+1)
	form.Set("nonce", c.signer.Nonce())
	for k, v := range params {
		form.Set(k, v)
	}

	body, err := c.priv.PostForm(ctx, "/0/private/"+endpoint, form)
	if err != nil {
		return exchange.Classify(endpoint, err)
	}
	return c.decode(endpoint, body, out)
}

type tickerInfo struct {
	Close []string `json:"c"` // [price, lot volume]
}

// CurrentPrice returns the last trade price for one pair.
func (c *Client) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	prices, err := c.CurrentPrices(ctx, []string{pair})
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := prices[pair]
	if !ok {
		return decimal.Zero, exchange.NewAPIError(exchange.KindOther, "Ticker",
			"no ticker data for pair "+pair, 0)
	}
	return price, nil
}

// CurrentPrices fetches last trade prices for many pairs in one call.
// Response keys are normalized back to the requested symbols.
func (c *Client) CurrentPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	if len(pairs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	var raw map[string]tickerInfo
	err := c.public(ctx, "Ticker", "/0/public/Ticker",
		map[string]string{"pair": strings.Join(pairs, ",")}, &raw)
	if err != nil {
		return nil, err
	}

	requested := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		requested[p] = true
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for name, info := range raw {
		if len(info.Close) == 0 {
			continue
		}
		price, perr := decimal.NewFromString(info.Close[0])
		if perr != nil {
			c.logger.Warn("Unparseable ticker price", "pair", name, "value", info.Close[0])
			continue
		}
		key := name
		if !requested[key] {
			if normalized := c.normalizePair(name); requested[normalized] {
				key = normalized
			}
		}
		out[key] = price
	}
	return out, nil
}

// ServerTime returns the venue clock, useful as a connectivity probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := c.public(ctx, "Time", "/0/public/Time", nil, &result); err != nil {
		return time.Time{}, err
	}
	return time.Unix(result.UnixTime, 0).UTC(), nil
}

// Balance returns the account's asset balances.
func (c *Client) Balance(ctx context.Context) (core.Balances, error) {
	var raw map[string]string
	if err := c.private(ctx, "Balance", nil, &raw); err != nil {
		return nil, err
	}

	balances := make(core.Balances, len(raw))
	for asset, amount := range raw {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			c.logger.Warn("Unparseable balance", "asset", asset, "value", amount)
			continue
		}
		balances[asset] = d
	}
	return balances, nil
}
