package uplink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ReconnectBackoff <= 0 {
		t.Error("ReconnectBackoff should be positive")
	}
	if cfg.MaxBackoff <= 0 {
		t.Error("MaxBackoff should be positive")
	}
	if cfg.PingInterval <= 0 {
		t.Error("PingInterval should be positive")
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, nil)

	if client == nil {
		t.Fatal("NewClient returned nil")
	}

	if client.IsConnected() {
		t.Error("Client should not be connected initially")
	}
}

func TestSendResultNotConnected(t *testing.T) {
	m := metrics.New()
	client := NewClient(DefaultConfig(), m, nil)

	err := client.SendResult(doa.Result{Estimate: doa.Estimate{Status: doa.StatusOK, Angle: 10}})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if got := client.GetStats().MessagesDropped; got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
	if got := testutil.ToFloat64(m.UplinkDropped); got != 1 {
		t.Errorf("expected dropped counter 1, got %f", got)
	}
}

func TestGetStats(t *testing.T) {
	client := NewClient(DefaultConfig(), nil, nil)

	stats := client.GetStats()

	if stats.Connected {
		t.Error("Stats.Connected should be false initially")
	}
	if stats.MessagesSent != 0 {
		t.Error("Stats.MessagesSent should be 0 initially")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectAndForward(t *testing.T) {
	received := make(chan *protocol.DOAData, 10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil || msg.Type != protocol.TypeDOA {
				continue
			}
			if d, err := msg.GetDOAData(); err == nil {
				received <- d
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.ReconnectBackoff = 100 * time.Millisecond

	m := metrics.New()
	client := NewClient(cfg, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Wait for connection
	time.Sleep(200 * time.Millisecond)

	if !client.IsConnected() {
		t.Fatal("Client should be connected")
	}
	if testutil.ToFloat64(m.UplinkConnected) != 1 {
		t.Error("expected connected gauge 1")
	}

	results := make(chan doa.Result, 2)
	results <- doa.Result{
		Estimate: doa.Estimate{Status: doa.StatusOK, Angle: 11.2, Side: doa.SideLeft, Method: "gcc_phat"},
		Sequence: 1,
	}
	results <- doa.Result{
		Estimate: doa.Estimate{Status: doa.StatusSilent, Method: "gcc_phat"},
		Sequence: 2,
	}
	close(results)

	if err := client.Forward(ctx, results); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	for i, wantSeq := range []uint64{1, 2} {
		select {
		case d := <-received:
			if d.Sequence != wantSeq {
				t.Errorf("message %d: expected seq %d, got %d", i, wantSeq, d.Sequence)
			}
			if wantSeq == 1 && (d.Angle == nil || *d.Angle != 11.2) {
				t.Errorf("expected angle 11.2, got %v", d.Angle)
			}
			if wantSeq == 2 && d.Angle != nil {
				t.Errorf("silent result must not carry an angle, got %v", *d.Angle)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	if got := testutil.ToFloat64(m.UplinkSent); got != 2 {
		t.Errorf("expected sent counter 2, got %f", got)
	}

	client.Close()

	if client.IsConnected() {
		t.Error("Client should not be connected after Close()")
	}
	if testutil.ToFloat64(m.UplinkConnected) != 0 {
		t.Error("expected connected gauge 0 after Close()")
	}
}

func TestReceiveConfigUpdate(t *testing.T) {
	var methodReceived atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		method := "cross_correlation"
		msg, _ := protocol.NewMessage(protocol.TypeConfig, protocol.ConfigUpdate{Method: &method})
		data, _ := msg.Bytes()
		conn.WriteMessage(websocket.TextMessage, data)

		// Keep connection alive
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil, nil)
	client.OnConfigUpdate(func(u protocol.ConfigUpdate) {
		if u.Method != nil {
			methodReceived.Store(*u.Method)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Connect(ctx)

	// Wait for message to be received
	time.Sleep(300 * time.Millisecond)

	if got, _ := methodReceived.Load().(string); got != "cross_correlation" {
		t.Errorf("config callback should have received method, got %q", got)
	}

	client.Close()
}

func TestPingAndGetStats(t *testing.T) {
	replies := make(chan protocol.MessageType, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, typ := range []protocol.MessageType{protocol.TypePing, protocol.TypeGetStats} {
			msg, _ := protocol.NewMessage(typ, nil)
			data, _ := msg.Bytes()
			conn.WriteMessage(websocket.TextMessage, data)
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.ParseMessage(data); err == nil {
				replies <- msg.Type
			}
		}
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil, nil)
	client.OnGetStats(func() any { return map[string]int{"processed": 7} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Connect(ctx)
	defer client.Close()

	got := map[protocol.MessageType]bool{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case typ := <-replies:
			got[typ] = true
		case <-timeout:
			t.Fatalf("expected pong and stats replies, got %v", got)
		}
	}

	if !got[protocol.TypePong] || !got[protocol.TypeStats] {
		t.Errorf("unexpected replies %v", got)
	}
}

func TestReconnect(t *testing.T) {
	// Start server that closes connections
	var connectionCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectionCount.Add(1)

		// Close after brief delay
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond

	client := NewClient(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	client.Connect(ctx)

	// Wait for multiple reconnection attempts
	time.Sleep(400 * time.Millisecond)

	// Multiple connections = reconnection happening
	if connectionCount.Load() < 2 {
		t.Errorf("Should have reconnected at least once, got %d connections", connectionCount.Load())
	}

	client.Close()
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/unreachable"
	cfg.ReconnectBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	client := NewClient(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if client.GetStats().Reconnects == 0 {
		t.Error("expected failed dial attempts to count as reconnects")
	}
}
