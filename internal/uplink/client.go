// Package uplink publishes direction estimates to a remote WebSocket collector
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

// ErrNotConnected is returned when sending without an open connection
var ErrNotConnected = errors.New("uplink not connected")

// Config holds uplink client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://collector.example.com/ws/doa")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/doa",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Client manages the WebSocket connection to the collector
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	// Callbacks for incoming messages
	onConfigUpdate func(protocol.ConfigUpdate)
	onGetStats     func() any

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client. m may be nil.
func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// OnConfigUpdate sets the callback for estimator config updates
func (c *Client) OnConfigUpdate(callback func(protocol.ConfigUpdate)) {
	c.mu.Lock()
	c.onConfigUpdate = callback
	c.mu.Unlock()
}

// OnGetStats sets the provider answering get_stats requests
func (c *Client) OnGetStats(provider func() any) {
	c.mu.Lock()
	c.onGetStats = provider
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

// Run keeps the connection up until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		// Read messages until error
		c.readLoop(ctx)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting uplink", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.setConnectedMetric(true)

	c.logger.Info("uplink connected")

	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on one connection
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the collector
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("uplink read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	configCb := c.onConfigUpdate
	statsCb := c.onGetStats
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeConfig:
		if configCb != nil {
			cfg, err := msg.GetConfigUpdate()
			if err != nil {
				c.logger.Warn("invalid config update", "error", err)
				return
			}
			configCb(*cfg)
		}

	case protocol.TypeGetStats:
		if statsCb != nil {
			reply, err := protocol.NewMessage(protocol.TypeStats, statsCb())
			if err == nil {
				c.SendMessage(reply)
			}
		}

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the collector
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendResult publishes one tracker result
func (c *Client) SendResult(r doa.Result) error {
	msg, err := protocol.NewDOAMessage(r)
	if err != nil {
		return err
	}

	if err := c.SendMessage(msg); err != nil {
		c.messagesDropped.Add(1)
		if c.metrics != nil {
			c.metrics.UplinkDropped.Inc()
		}
		return err
	}

	if c.metrics != nil {
		c.metrics.UplinkSent.Inc()
	}
	return nil
}

// Forward publishes results from ch until ctx is done or ch is closed.
// Results arriving while disconnected are dropped.
func (c *Client) Forward(ctx context.Context, ch <-chan doa.Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.SendResult(r); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Debug("uplink send failed", "error", err, "seq", r.Sequence)
			}
		}
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if wasConnected {
		c.setConnectedMetric(false)
	}
}

func (c *Client) setConnectedMetric(connected bool) {
	if c.metrics != nil {
		c.metrics.SetUplinkConnected(connected)
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	return Stats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesDropped:  c.messagesDropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
