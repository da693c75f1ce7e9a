package kraken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ttslo/internal/core"
	"ttslo/internal/exchange"

	"github.com/shopspring/decimal"
)

// orderInfo is the venue's order description as returned by the
// OpenOrders, ClosedOrders and QueryOrders endpoints.
type orderInfo struct {
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	Volume         string `json:"vol"`
	VolumeExecuted string `json:"vol_exec"`
	Price          string `json:"price"`
	Trigger        string `json:"trigger"`
	Reason         string `json:"reason"`
}

func (c *Client) mapOrder(id string, info orderInfo) core.Order {
	order := core.Order{
		ID:        id,
		Status:    mapOrderStatus(info.Status),
		Pair:      c.normalizePair(info.Descr.Pair),
		Direction: core.Direction(info.Descr.Type),
		OrderType: info.Descr.OrderType,
		Trigger:   info.Trigger,
		Reason:    info.Reason,
	}
	if order.Trigger == "" {
		// last is the venue's implied trigger when the field is absent.
		order.Trigger = "last"
	}

	order.Volume = parseDecimal(info.Volume)
	order.ExecutedVolume = parseDecimal(info.VolumeExecuted)
	order.Price = parseDecimal(info.Price)

	if info.OpenTm > 0 {
		order.OpenTime = unixFloat(info.OpenTm)
	}
	if info.CloseTm > 0 {
		order.CloseTime = unixFloat(info.CloseTm)
	}
	return order
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "pending":
		return core.OrderPending
	case "open":
		return core.OrderOpen
	case "closed":
		return core.OrderClosed
	case "canceled":
		return core.OrderCanceled
	case "expired":
		return core.OrderExpired
	default:
		return core.OrderStatus(raw)
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func unixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// OpenOrders returns all currently open orders keyed by transaction id.
func (c *Client) OpenOrders(ctx context.Context) (map[string]core.Order, error) {
	var result struct {
		Open map[string]orderInfo `json:"open"`
	}
	if err := c.private(ctx, "OpenOrders", nil, &result); err != nil {
		return nil, err
	}

	orders := make(map[string]core.Order, len(result.Open))
	for id, info := range result.Open {
		orders[id] = c.mapOrder(id, info)
	}
	return orders, nil
}

// ClosedOrders returns orders closed at or after the given time.
func (c *Client) ClosedOrders(ctx context.Context, since time.Time) (map[string]core.Order, error) {
	params := map[string]string{}
	if !since.IsZero() {
		params["start"] = strconv.FormatInt(since.Unix(), 10)
	}

	var result struct {
		Closed map[string]orderInfo `json:"closed"`
	}
	if err := c.private(ctx, "ClosedOrders", params, &result); err != nil {
		return nil, err
	}

	orders := make(map[string]core.Order, len(result.Closed))
	for id, info := range result.Closed {
		orders[id] = c.mapOrder(id, info)
	}
	return orders, nil
}

// queryOrdersBatchSize is the venue's maximum txid count per QueryOrders call.
const queryOrdersBatchSize = 50

// QueryOrders looks up specific orders by transaction id, batching the
// lookups to stay within the venue's per-call limit. Unknown ids are
// simply absent from the result.
func (c *Client) QueryOrders(ctx context.Context, ids []string) (map[string]core.Order, error) {
	orders := make(map[string]core.Order, len(ids))

	for start := 0; start < len(ids); start += queryOrdersBatchSize {
		end := start + queryOrdersBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var result map[string]orderInfo
		err := c.private(ctx, "QueryOrders",
			map[string]string{"txid": strings.Join(ids[start:end], ",")}, &result)
		if err != nil {
			// An unknown id fails the whole call; treat it as an empty
			// result so the caller sees the absence, not an error.
			var apiErr *exchange.APIError
			if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "Unknown order") {
				continue
			}
			return nil, err
		}

		for id, info := range result {
			orders[id] = c.mapOrder(id, info)
		}
	}
	return orders, nil
}

// AddTrailingStop submits a native trailing-stop order. The offset is
// rendered as +X.X% and the trigger defaults to the index price; when
// the venue reports the index unavailable the submission is retried
// exactly once against the last traded price.
func (c *Client) AddTrailingStop(ctx context.Context, req core.TrailingStopRequest) (string, error) {
	id, err := c.addOrder(ctx, req, "index")
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "index unavailable") {
		c.logger.Warn("Index trigger unavailable, falling back to last price",
			"pair", req.Pair, "error", err)
		return c.addOrder(ctx, req, "last")
	}
	return id, err
}

func (c *Client) addOrder(ctx context.Context, req core.TrailingStopRequest, trigger string) (string, error) {
	params := map[string]string{
		"pair":      req.Pair,
		"type":      string(req.Direction),
		"ordertype": "trailing-stop",
		"volume":    req.Volume.String(),
		"price":     core.FormatOffset(req.OffsetPercent),
		"trigger":   trigger,
	}

	var result struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	if err := c.private(ctx, "AddOrder", params, &result); err != nil {
		return "", err
	}
	if len(result.TxID) == 0 {
		return "", exchange.NewAPIError(exchange.KindOther, "AddOrder",
			"order accepted without a transaction id", 0)
	}

	c.logger.Info("Trailing stop submitted",
		"pair", req.Pair, "direction", req.Direction, "volume", req.Volume.String(),
		"offset", core.FormatOffset(req.OffsetPercent), "trigger", trigger,
		"txid", result.TxID[0], "descr", result.Descr.Order)
	return result.TxID[0], nil
}

// CancelOrder cancels one open order by transaction id.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.private(ctx, "CancelOrder", map[string]string{"txid": id}, &result); err != nil {
		return err
	}
	if result.Count == 0 {
		return exchange.NewAPIError(exchange.KindOther, "CancelOrder",
			fmt.Sprintf("no order canceled for txid %s", id), 0)
	}
	return nil
}
