package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange defines the outbound surface to the exchange.
type IExchange interface {
	// Public market data
	CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	CurrentPrices(ctx context.Context, pairs []string) (map[string]decimal.Decimal, error)
	AssetPairs(ctx context.Context) (map[string]PairInfo, error)
	PairInfo(ctx context.Context, pair string) (PairInfo, error)

	// Private account data
	Balance(ctx context.Context) (Balances, error)
	OpenOrders(ctx context.Context) (map[string]Order, error)
	ClosedOrders(ctx context.Context, since time.Time) (map[string]Order, error)
	QueryOrders(ctx context.Context, ids []string) (map[string]Order, error)

	// Order operations
	AddTrailingStop(ctx context.Context, req TrailingStopRequest) (string, error)
	CancelOrder(ctx context.Context, id string) error
}

// IPriceSource is the unified current-price read contract.
// GetPrice returns the price and its age; WarmCache batch-fetches many pairs.
type IPriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Duration, error)
	WarmCache(ctx context.Context, pairs []string) error
}

// INotifier dispatches event notifications to subscribed recipients.
// Notify is synchronous best-effort; undeliverable messages are queued on disk.
// Flush retries the queue without a new message.
type INotifier interface {
	Notify(ctx context.Context, kind EventKind, body string)
	Flush(ctx context.Context)
}

// ITradeLog appends entry and exit legs to the trades file.
type ITradeLog interface {
	RecordTrigger(rule Rule, price decimal.Decimal, at time.Time) error
	RecordFill(rule Rule, state RuleState, exitPrice decimal.Decimal, at time.Time) error
}

// IAuditLog appends one structured row to the append-only log file.
// Rows buffered during editor coordination are written out by Flush.
type IAuditLog interface {
	Append(level, component, configID, message, details string) error
	Flush() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
