package pricefeed

import (
	"context"
	"testing"
	"time"

	"ttslo/internal/config"
	"ttslo/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})          {}
func (nopLogger) Info(msg string, fields ...interface{})           {}
func (nopLogger) Warn(msg string, fields ...interface{})           {}
func (nopLogger) Error(msg string, fields ...interface{})          {}
func (nopLogger) Fatal(msg string, fields ...interface{})          {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

type mockExchange struct {
	singleCalls int
	batchCalls  int
	prices      map[string]decimal.Decimal
	priceErr    error
	pairInfos   map[string]core.PairInfo
}

func (m *mockExchange) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	m.singleCalls++
	if m.priceErr != nil {
		return decimal.Zero, m.priceErr
	}
	return m.prices[pair], nil
}

func (m *mockExchange) CurrentPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error) {
	m.batchCalls++
	if m.priceErr != nil {
		return nil, m.priceErr
	}
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		if price, ok := m.prices[pair]; ok {
			out[pair] = price
		}
	}
	return out, nil
}

func (m *mockExchange) AssetPairs(ctx context.Context) (map[string]core.PairInfo, error) {
	return m.pairInfos, nil
}

func (m *mockExchange) PairInfo(ctx context.Context, pair string) (core.PairInfo, error) {
	if info, ok := m.pairInfos[pair]; ok {
		return info, nil
	}
	return core.PairInfo{Name: pair}, nil
}

func (m *mockExchange) Balance(ctx context.Context) (core.Balances, error) { return nil, nil }
func (m *mockExchange) OpenOrders(ctx context.Context) (map[string]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) ClosedOrders(ctx context.Context, since time.Time) (map[string]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) QueryOrders(ctx context.Context, ids []string) (map[string]core.Order, error) {
	return nil, nil
}
func (m *mockExchange) AddTrailingStop(ctx context.Context, req core.TrailingStopRequest) (string, error) {
	return "", nil
}
func (m *mockExchange) CancelOrder(ctx context.Context, id string) error { return nil }

func testSettings() config.PricingSettings {
	return config.PricingSettings{
		StalenessSeconds:      60,
		StreamGraceSeconds:    0,
		ReconnectDelaySeconds: 1,
	}
}

func newTestProvider(ex *mockExchange) *Provider {
	return NewProvider(ex, testSettings(), "wss://example.invalid", nopLogger{})
}

func TestGetPriceFallsBackToREST(t *testing.T) {
	ex := &mockExchange{prices: map[string]decimal.Decimal{
		"XXBTZUSD": decimal.RequireFromString("50000.1"),
	}}
	p := newTestProvider(ex)

	price, age, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("50000.1")))
	assert.Equal(t, time.Duration(0), age)
	assert.Equal(t, 1, ex.singleCalls)
}

func TestGetPriceServesFreshCacheWithoutREST(t *testing.T) {
	ex := &mockExchange{prices: map[string]decimal.Decimal{
		"XXBTZUSD": decimal.RequireFromString("50000"),
	}}
	p := newTestProvider(ex)

	_, _, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)

	price, age, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("50000")))
	assert.Less(t, age, time.Minute)
	assert.Equal(t, 1, ex.singleCalls, "second read must come from the cache")
}

func TestGetPriceIgnoresStaleCache(t *testing.T) {
	ex := &mockExchange{prices: map[string]decimal.Decimal{
		"XXBTZUSD": decimal.RequireFromString("51000"),
	}}
	p := newTestProvider(ex)

	p.mu.Lock()
	p.cache["XXBTZUSD"] = entry{
		price:      decimal.RequireFromString("50000"),
		receivedAt: time.Now().Add(-2 * time.Minute),
	}
	p.mu.Unlock()

	price, _, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("51000")))
	assert.Equal(t, 1, ex.singleCalls)
}

func TestWarmCacheBatchesAndSeedsCache(t *testing.T) {
	ex := &mockExchange{prices: map[string]decimal.Decimal{
		"XXBTZUSD": decimal.RequireFromString("50000"),
		"XETHZUSD": decimal.RequireFromString("3000"),
	}}
	p := newTestProvider(ex)

	require.NoError(t, p.WarmCache(context.Background(), []string{"XXBTZUSD", "XETHZUSD"}))
	assert.Equal(t, 1, ex.batchCalls)

	for pair, want := range ex.prices {
		price, age, err := p.GetPrice(context.Background(), pair)
		require.NoError(t, err)
		assert.True(t, price.Equal(want), pair)
		assert.Less(t, age, time.Minute)
	}
	assert.Zero(t, ex.singleCalls, "warmed pairs must not hit the single ticker")
}

func TestWarmCacheEmptyPairListIsNoop(t *testing.T) {
	ex := &mockExchange{}
	p := newTestProvider(ex)

	require.NoError(t, p.WarmCache(context.Background(), nil))
	assert.Zero(t, ex.batchCalls)
}

func TestTickerFrameUpdatesCache(t *testing.T) {
	ex := &mockExchange{
		prices:    map[string]decimal.Decimal{"XXBTZUSD": decimal.RequireFromString("50000")},
		pairInfos: map[string]core.PairInfo{"XXBTZUSD": {Name: "XXBTZUSD", WSName: "XBT/USD"}},
	}
	p := newTestProvider(ex)

	// First read registers the stream-name mapping via the lazy subscribe.
	_, _, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)

	p.handleMessage([]byte(`[340,{"a":["50010.0",1,"1.0"],"b":["50009.0",2,"2.0"],"c":["50010.5","0.00398963"]},"ticker","XBT/USD"]`))

	price, age, err := p.GetPrice(context.Background(), "XXBTZUSD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("50010.5")))
	assert.Less(t, age, time.Minute)
	assert.Equal(t, 1, ex.singleCalls, "stream delivery must satisfy the read")
}

func TestStreamControlMessagesAreIgnored(t *testing.T) {
	p := newTestProvider(&mockExchange{})

	p.handleMessage([]byte(`{"event":"heartbeat"}`))
	p.handleMessage([]byte(`{"event":"systemStatus","connectionID":8628,"status":"online","version":"1.9.0"}`))
	p.handleMessage([]byte(`{"event":"subscriptionStatus","channelID":340,"pair":"XBT/USD","status":"subscribed","subscription":{"name":"ticker"}}`))
	p.handleMessage([]byte(`{"event":"subscriptionStatus","pair":"NOPE/USD","status":"error","errorMessage":"Currency pair not supported"}`))

	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Empty(t, p.cache)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	p := newTestProvider(&mockExchange{})

	p.handleMessage(nil)
	p.handleMessage([]byte(`   `))
	p.handleMessage([]byte(`[340]`))
	p.handleMessage([]byte(`[340,{"c":["not-a-number","1"]},"ticker","XBT/USD"]`))
	p.handleMessage([]byte(`[340,{"c":[]},"ticker","XBT/USD"]`))
	p.handleMessage([]byte(`[340,{"c":["50000","1"]},"book-10","XBT/USD"]`))
	p.handleMessage([]byte(`not json at all`))

	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Empty(t, p.cache)
}

func TestFrameForUnknownStreamNameIsDropped(t *testing.T) {
	p := newTestProvider(&mockExchange{})

	p.handleMessage([]byte(`[340,{"c":["50000","1"]},"ticker","XBT/USD"]`))

	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Empty(t, p.cache, "frames for pairs never subscribed must not be cached")
}
