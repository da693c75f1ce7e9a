package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// streamEvent covers the control messages of the v1 stream. Data frames
// are arrays and never unmarshal into this shape.
type streamEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

// tickerPayload carries the ticker fields we consume. "c" is the last
// trade closed: [price, lot volume].
type tickerPayload struct {
	C []string `json:"c"`
}

func (p *Provider) handleMessage(message []byte) {
	trimmed := bytes.TrimLeft(message, " \t\r\n")
	if len(trimmed) == 0 {
		return
	}
	switch trimmed[0] {
	case '{':
		p.handleEvent(trimmed)
	case '[':
		p.handleTicker(trimmed)
	}
}

func (p *Provider) handleEvent(message []byte) {
	var ev streamEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		p.logger.Debug("Unparseable stream event", "error", err)
		return
	}

	switch ev.Event {
	case "heartbeat":
		// Liveness only, nothing to record.
	case "systemStatus":
		p.logger.Debug("Stream system status", "status", ev.Status)
	case "subscriptionStatus":
		if ev.Status == "error" {
			p.logger.Warn("Ticker subscription rejected", "pair", ev.Pair, "error", ev.ErrorMessage)
			return
		}
		p.logger.Debug("Ticker subscription status", "pair", ev.Pair, "status", ev.Status)
	}
}

// handleTicker parses a positional v1 data frame:
// [channelID, {"c":[price, lot]}, "ticker", "XBT/USD"].
func (p *Provider) handleTicker(message []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 4 {
		return
	}

	var channel string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || !strings.HasPrefix(channel, "ticker") {
		return
	}
	var wsName string
	if err := json.Unmarshal(frame[len(frame)-1], &wsName); err != nil {
		return
	}

	var payload tickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil || len(payload.C) == 0 {
		return
	}
	price, err := decimal.NewFromString(payload.C[0])
	if err != nil {
		p.logger.Warn("Ticker frame carried a malformed price", "pair", wsName, "value", payload.C[0])
		return
	}

	pair := p.pairForWSName(wsName)
	if pair == "" {
		return
	}

	p.store(pair, price)
	p.updates.Add(context.Background(), 1)
	p.logger.Debug("Ticker update", "pair", pair, "price", price.String())
}

func (p *Provider) pairForWSName(wsName string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byWSName[wsName]
}
