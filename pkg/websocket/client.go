// Package websocket maintains one long-lived connection to a push
// feed, redialing forever until stopped. The price stream rides this
// client; subscriptions are re-issued by the OnConnected hook after
// every successful dial.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ttslo/internal/core"
	"ttslo/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler receives every inbound frame.
type MessageHandler func(message []byte)

// Client dials one URL and keeps reading until Stop.
type Client struct {
	url     string
	handler MessageHandler
	logger  core.ILogger

	mu            sync.Mutex
	conn          *websocket.Conn
	onConnected   func()
	reconnectWait time.Duration
	pingInterval  time.Duration
	pingWait      time.Duration
	pongWait      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer     trace.Tracer
	messages   metric.Int64Counter
	dials      metric.Int64Counter
	handleTime metric.Float64Histogram
}

// NewClient builds a client with sane heartbeat defaults. Nothing
// connects until Start.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.GetMeter("ws-client")

	messages, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Inbound WebSocket frames"))
	dials, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Connection attempts"))
	handleTime, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Handler latency per frame"))

	return &Client{
		url:           url,
		handler:       handler,
		logger:        logger,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        telemetry.GetTracer("ws-client"),
		messages:      messages,
		dials:         dials,
		handleTime:    handleTime,
	}
}

// SetReconnectWait sets the pause between redial attempts.
func (c *Client) SetReconnectWait(wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectWait = wait
}

// SetPingConfig tunes the heartbeat: ping cadence, write deadline for
// the ping itself, and how long the read side waits for any traffic.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected registers a hook invoked after every successful dial.
func (c *Client) SetOnConnected(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = hook
}

// IsConnected reports whether a live connection exists right now.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one JSON message to the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connect/read loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop cancels the loop, waits briefly for goroutines to drain and
// closes the connection.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket goroutines still running at stop timeout", "url", c.url)
	}

	c.dropConn()
}

func (c *Client) run() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}
		if err := c.dial(); err != nil {
			c.logger.Error("WebSocket connect failed", "url", c.url, "error", err)
		} else {
			c.session()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.redialWait()):
		}
	}
}

// session serves one connection until it drops.
func (c *Client) session() {
	c.mu.Lock()
	hook := c.onConnected
	interval := c.pingInterval
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	pingCtx, stopPing := context.WithCancel(c.ctx)
	defer stopPing()
	if interval > 0 {
		c.wg.Add(1)
		go c.pinger(pingCtx)
	}

	c.consume()
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "ws.dial",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	c.conn = conn
	return nil
}

func (c *Client) consume() {
	defer c.dropConn()

	for {
		c.mu.Lock()
		conn := c.conn
		deadline := c.pongWait
		c.mu.Unlock()
		if conn == nil || c.ctx.Err() != nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame proves liveness, not just pongs; Kraken
		// heartbeats arrive as data events.
		_ = conn.SetReadDeadline(time.Now().Add(deadline))

		start := time.Now()
		c.messages.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(payload)
		}
		c.handleTime.Record(c.ctx, time.Since(start).Seconds())
	}
}

func (c *Client) pinger(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	interval, wait := c.pingInterval, c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				// A dead write triggers the redial by dropping the
				// connection out from under the read loop.
				c.dropConn()
				return
			}
		}
	}
}

func (c *Client) redialWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectWait
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
