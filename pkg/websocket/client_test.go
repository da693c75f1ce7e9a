package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ttslo/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWSServer runs a test server that upgrades each request and
// hands the connection to fn. Returns the ws:// URL.
func startWSServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func TestClientHeartbeat(t *testing.T) {
	var pings atomic.Int32
	url := startWSServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
		})
		drain(conn)
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(100*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	client.SetReconnectWait(10 * time.Millisecond)
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return pings.Load() >= 2 },
		2*time.Second, 20*time.Millisecond, "heartbeat pings never reached the server")
}

func TestClientResubscribesOnConnect(t *testing.T) {
	subscribed := make(chan string, 4)
	url := startWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ok"}`))
		drain(conn)
	})

	received := make(chan []byte, 1)
	client := NewClient(url, func(message []byte) {
		select {
		case received <- message:
		default:
		}
	}, testLogger(t))
	client.SetOnConnected(func() {
		_ = client.Send(map[string]interface{}{"event": "subscribe", "pair": []string{"XBT/USD"}})
	})
	client.SetReconnectWait(10 * time.Millisecond)
	client.Start()
	defer client.Stop()

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, "subscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the subscription")
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the echo")
	}
}

func TestClientRedialsAfterSilence(t *testing.T) {
	var dials atomic.Int32
	url := startWSServer(t, func(conn *websocket.Conn) {
		dials.Add(1)
		// Swallow pings so the client read deadline fires.
		conn.SetPingHandler(func(string) error { return nil })
		drain(conn)
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(100*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond)
	client.SetReconnectWait(10 * time.Millisecond)
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool { return dials.Load() >= 2 },
		3*time.Second, 20*time.Millisecond, "client never redialed after the deadline")
}

func TestClientSendWithoutConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:0", func([]byte) {}, testLogger(t))
	assert.Error(t, client.Send(map[string]string{"event": "ping"}))
	assert.False(t, client.IsConnected())
}

func TestClientStopReleasesGoroutines(t *testing.T) {
	url := startWSServer(t, drain)

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	client.Start()

	require.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
	client.Stop()

	// Give the scheduler a moment to retire the stopped goroutines.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1, "goroutines left behind after Stop")
}
