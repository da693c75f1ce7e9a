// Package core defines the shared types and interfaces for the TTSLO daemon
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeFormat is the timestamp layout used in every persisted file (ISO-8601 UTC).
const TimeFormat = time.RFC3339

// DefaultAccount is the credential scope used when a rule has no account column.
const DefaultAccount = "primary"

// ThresholdType selects the direction of the arming condition.
type ThresholdType string

const (
	ThresholdAbove ThresholdType = "above"
	ThresholdBelow ThresholdType = "below"
)

// Direction is the side of the trailing-stop order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// EnabledState is the tagged enabled column: true, false, paused or canceled.
// Everything except EnabledTrue is inert.
type EnabledState string

const (
	EnabledTrue     EnabledState = "true"
	EnabledFalse    EnabledState = "false"
	EnabledPaused   EnabledState = "paused"
	EnabledCanceled EnabledState = "canceled"
)

// OrderStatus mirrors the exchange-reported lifecycle of a submitted order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
)

// EventKind identifies a notification event.
type EventKind string

const (
	EventConfigChanged        EventKind = "config_changed"
	EventValidationError      EventKind = "validation_error"
	EventTriggerReached       EventKind = "trigger_reached"
	EventTSLCreated           EventKind = "tsl_created"
	EventTSLFilled            EventKind = "tsl_filled"
	EventAppExit              EventKind = "app_exit"
	EventAPIError             EventKind = "api_error"
	EventInsufficientBalance  EventKind = "insufficient_balance"
	EventOrderFailed          EventKind = "order_failed"
	EventLinkedOrderActivated EventKind = "linked_order_activated"
)

// EventKinds lists every routable notification kind.
func EventKinds() []EventKind {
	return []EventKind{
		EventConfigChanged,
		EventValidationError,
		EventTriggerReached,
		EventTSLCreated,
		EventTSLFilled,
		EventAppExit,
		EventAPIError,
		EventInsufficientBalance,
		EventOrderFailed,
		EventLinkedOrderActivated,
	}
}

// TradeStatus marks the completeness of a trade record row.
type TradeStatus string

const (
	TradeTriggered  TradeStatus = "triggered"
	TradeCompleted  TradeStatus = "completed"
	TradeFilledOnly TradeStatus = "filled_only"
)

// Rule is one row of the config file: a user's triggered-trailing-stop intent.
type Rule struct {
	ID                    string
	Pair                  string
	ThresholdPrice        decimal.Decimal
	ThresholdType         ThresholdType
	Direction             Direction
	Volume                decimal.Decimal
	TrailingOffsetPercent decimal.Decimal
	Enabled               EnabledState
	LinkedOrderID         string
	Account               string
}

// IsEnabled reports whether the rule is eligible for evaluation.
func (r Rule) IsEnabled() bool {
	return r.Enabled == EnabledTrue
}

// AccountName returns the rule's credential scope, defaulting to primary.
func (r Rule) AccountName() string {
	if r.Account == "" {
		return DefaultAccount
	}
	return r.Account
}

// Crossed evaluates the threshold condition against the given price.
// Equality crosses for both threshold types.
func (r Rule) Crossed(price decimal.Decimal) bool {
	switch r.ThresholdType {
	case ThresholdAbove:
		return price.GreaterThanOrEqual(r.ThresholdPrice)
	case ThresholdBelow:
		return price.LessThanOrEqual(r.ThresholdPrice)
	default:
		return false
	}
}

// RuleRow is one config row as read from disk, before validation.
// Every field is the file's literal string; Line is the physical line
// number for error reporting.
type RuleRow struct {
	Line                  int
	ID                    string
	Pair                  string
	ThresholdPrice        string
	ThresholdType         string
	Direction             string
	Volume                string
	TrailingOffsetPercent string
	Enabled               string
	LinkedOrderID         string
	Account               string
}

// RuleState is the observed lifecycle of a rule, keyed by rule id.
type RuleState struct {
	ID            string
	Triggered     bool
	TriggerPrice  decimal.Decimal
	TriggerTime   time.Time
	OrderID       string
	Offset        decimal.Decimal
	LastChecked   time.Time
	FillNotified  bool
	ActivatedOn   time.Time
	LastError     string
	ErrorNotified bool
}

// Lifecycle is the derived state of a rule: disabled, pending, armed or terminal.
type Lifecycle int

const (
	LifecycleDisabled Lifecycle = iota
	LifecyclePending
	LifecycleArmed
	LifecycleTerminal
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleDisabled:
		return "disabled"
	case LifecyclePending:
		return "pending"
	case LifecycleArmed:
		return "armed"
	case LifecycleTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// DeriveLifecycle computes the lifecycle state from a rule and its state row.
// Transitions only move forward: disabled/pending -> armed -> terminal.
func DeriveLifecycle(r Rule, s RuleState) Lifecycle {
	switch {
	case s.FillNotified:
		return LifecycleTerminal
	case r.Enabled == EnabledCanceled:
		return LifecycleTerminal
	case s.Triggered:
		return LifecycleArmed
	case r.IsEnabled():
		return LifecyclePending
	default:
		return LifecycleDisabled
	}
}

// Order is a snapshot of an exchange order as reported by the order-query endpoints.
type Order struct {
	ID             string
	Status         OrderStatus
	Pair           string
	Direction      Direction
	OrderType      string
	Volume         decimal.Decimal
	ExecutedVolume decimal.Decimal
	Price          decimal.Decimal
	Trigger        string
	OpenTime       time.Time
	CloseTime      time.Time
	Reason         string
}

// FullyFilled reports whether the order closed with its whole volume executed.
func (o Order) FullyFilled() bool {
	return o.Status == OrderClosed && o.ExecutedVolume.GreaterThanOrEqual(o.Volume)
}

// TrailingStopRequest carries the parameters of one trailing-stop submission.
type TrailingStopRequest struct {
	Pair          string
	Direction     Direction
	Volume        decimal.Decimal
	OffsetPercent decimal.Decimal
}

// PairInfo is the exchange metadata for one trading pair.
type PairInfo struct {
	Name    string
	Altname string
	WSName  string
	Base    string
	Quote   string
}

// Balances maps asset codes to available amounts.
type Balances map[string]decimal.Decimal

// Asset sums the balance of an asset across spot-wallet suffixes
// (XXBT, XXBT.F, XXBT.S and so on all count toward XXBT).
func (b Balances) Asset(code string) decimal.Decimal {
	total := decimal.Zero
	for k, v := range b {
		if k == code || strings.HasPrefix(k, code+".") {
			total = total.Add(v)
		}
	}
	return total
}

// TradeRecord is one row of the trades file.
type TradeRecord struct {
	TradeID       string
	ConfigID      string
	Pair          string
	Direction     Direction
	Volume        decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	EntryTime     time.Time
	ExitTime      time.Time
	ProfitLoss    decimal.Decimal
	ProfitLossPct decimal.Decimal
	Status        TradeStatus
	Notes         string
}

// QueueItem is one buffered notification awaiting delivery.
type QueueItem struct {
	Recipient  string    `json:"recipient"`
	EventKind  EventKind `json:"event_kind"`
	Body       string    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// FormatOffset renders a trailing offset the way the exchange expects it:
// sign always +, one decimal place, percent suffix.
func FormatOffset(pct decimal.Decimal) string {
	return "+" + pct.StringFixed(1) + "%"
}

// ParseOffset is the inverse of FormatOffset.
func ParseOffset(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "+"), "%")
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	return d, nil
}
