// Package pricefeed unifies the push ticker stream and REST ticker reads
// behind a single freshness-aware price contract.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"ttslo/internal/config"
	"ttslo/internal/core"
	"ttslo/pkg/telemetry"
	"ttslo/pkg/websocket"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

const graceProbeInterval = 100 * time.Millisecond

type entry struct {
	price      decimal.Decimal
	receivedAt time.Time
}

// Provider serves current prices from two sources: a push ticker stream
// whose deliveries land in a shared cache, and the REST ticker as
// fallback. Readers prefer the cache when the entry is fresh, wait a
// short grace window for a first stream delivery, then fall back to REST.
type Provider struct {
	exchange core.IExchange
	logger   core.ILogger

	ws        *websocket.Client
	staleness time.Duration
	grace     time.Duration

	mu         sync.RWMutex
	cache      map[string]entry
	subscribed map[string]bool
	byWSName   map[string]string

	updates   metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewProvider creates a price provider. The stream is not connected
// until Run is called; until then every read is served by REST.
func NewProvider(exchange core.IExchange, settings config.PricingSettings, wsURL string, logger core.ILogger) *Provider {
	p := &Provider{
		exchange:   exchange,
		logger:     logger.WithField("component", "pricefeed"),
		staleness:  time.Duration(settings.StalenessSeconds) * time.Second,
		grace:      time.Duration(settings.StreamGraceSeconds) * time.Second,
		cache:      make(map[string]entry),
		subscribed: make(map[string]bool),
		byWSName:   make(map[string]string),
	}

	meter := telemetry.GetMeter("pricefeed")
	p.updates, _ = meter.Int64Counter("pricefeed_stream_updates_total",
		metric.WithDescription("Ticker updates received from the push stream"))
	p.fallbacks, _ = meter.Int64Counter("pricefeed_rest_fallbacks_total",
		metric.WithDescription("Price reads that fell back to the REST ticker"))

	p.ws = websocket.NewClient(wsURL, p.handleMessage, p.logger)
	p.ws.SetReconnectWait(time.Duration(settings.ReconnectDelaySeconds) * time.Second)
	p.ws.SetOnConnected(p.resubscribe)
	return p
}

// Run starts the stream and keeps it alive until the context ends.
func (p *Provider) Run(ctx context.Context) error {
	p.logger.Info("Starting price stream")
	p.ws.Start()
	<-ctx.Done()
	p.logger.Info("Stopping price stream")
	p.ws.Stop()
	return ctx.Err()
}

// GetPrice returns the current price for a pair and the age of the
// sample. Cache entries fresh within the staleness window win; otherwise
// a grace window lets the stream deliver a first value after the lazy
// subscribe, and failing that the REST ticker answers.
func (p *Provider) GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Duration, error) {
	if price, age, ok := p.cached(pair); ok {
		return price, age, nil
	}

	p.ensureSubscribed(ctx, pair)

	if p.grace > 0 && p.ws.IsConnected() {
		deadline := time.Now().Add(p.grace)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return decimal.Zero, 0, ctx.Err()
			case <-time.After(graceProbeInterval):
			}
			if price, age, ok := p.cached(pair); ok {
				return price, age, nil
			}
		}
	}

	p.fallbacks.Add(ctx, 1)
	price, err := p.exchange.CurrentPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, 0, err
	}
	p.store(pair, price)
	p.logger.Debug("Price served by REST fallback", "pair", pair, "price", price.String())
	return price, 0, nil
}

// WarmCache batch-fetches many pairs in one REST round-trip and seeds
// the cache. It also makes sure every pair has a live subscription so
// later reads come from the stream.
func (p *Provider) WarmCache(ctx context.Context, pairs []string) error {
	if len(pairs) == 0 {
		return nil
	}

	for _, pair := range pairs {
		p.ensureSubscribed(ctx, pair)
	}

	prices, err := p.exchange.CurrentPrices(ctx, pairs)
	if err != nil {
		return err
	}
	for pair, price := range prices {
		p.store(pair, price)
	}
	return nil
}

func (p *Provider) cached(pair string) (decimal.Decimal, time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.cache[pair]
	if !ok {
		return decimal.Zero, 0, false
	}
	age := time.Since(e.receivedAt)
	if age >= p.staleness {
		return decimal.Zero, 0, false
	}
	return e.price, age, true
}

func (p *Provider) store(pair string, price decimal.Decimal) {
	p.mu.Lock()
	p.cache[pair] = entry{price: price, receivedAt: time.Now()}
	p.mu.Unlock()
}

// ensureSubscribed sends a ticker subscription for the pair the first
// time it is requested. The ws name comes from the pair metadata; if it
// cannot be resolved the stream is simply skipped and REST serves.
func (p *Provider) ensureSubscribed(ctx context.Context, pair string) {
	p.mu.Lock()
	already := p.subscribed[pair]
	if !already {
		p.subscribed[pair] = true
	}
	p.mu.Unlock()
	if already {
		return
	}

	info, err := p.exchange.PairInfo(ctx, pair)
	wsName := info.WSName
	if err != nil || wsName == "" {
		p.logger.Warn("No stream name for pair, stream disabled for it", "pair", pair, "error", err)
		return
	}

	p.mu.Lock()
	p.byWSName[wsName] = pair
	p.mu.Unlock()

	p.subscribe(wsName)
}

func (p *Provider) subscribe(wsName string) {
	if !p.ws.IsConnected() {
		return
	}
	req := map[string]interface{}{
		"event": "subscribe",
		"pair":  []string{wsName},
		"subscription": map[string]string{
			"name": "ticker",
		},
	}
	if err := p.ws.Send(req); err != nil {
		p.logger.Warn("Ticker subscribe failed", "pair", wsName, "error", err)
		return
	}
	p.logger.Info("Subscribed to ticker stream", "pair", wsName)
}

// resubscribe replays every known subscription after a (re)connect.
func (p *Provider) resubscribe() {
	p.mu.RLock()
	names := make([]string, 0, len(p.byWSName))
	for name := range p.byWSName {
		names = append(names, name)
	}
	p.mu.RUnlock()

	for _, name := range names {
		p.subscribe(name)
	}
}
