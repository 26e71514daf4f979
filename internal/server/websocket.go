package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/protocol"
)

// ConfigApplier applies an estimator update received from a client
type ConfigApplier func(protocol.ConfigUpdate) (pipeline.Config, error)

// wsClient serializes writes to one connection
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.write(data)
}

// WSHub manages WebSocket connections and broadcasts DOA updates
type WSHub struct {
	tracker  *doa.Tracker
	applyCfg ConfigApplier
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub broadcasting at hz
func NewWSHub(tracker *doa.Tracker, applyCfg ConfigApplier, hz int, logger *slog.Logger) *WSHub {
	if hz <= 0 {
		hz = 10
	}
	return &WSHub{
		tracker:  tracker,
		applyCfg: applyCfg,
		interval: time.Second / time.Duration(hz),
		logger:   logger,
		clients:  make(map[*websocket.Conn]*wsClient),
		done:     make(chan struct{}),
	}
}

// Run starts the broadcast loop. Each new tracker result is sent once.
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSeq uint64

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case <-ticker.C:
			if h.tracker == nil {
				continue
			}

			result := h.tracker.GetLatest()
			if result.Sequence == 0 || result.Sequence == lastSeq {
				continue
			}
			lastSeq = result.Sequence

			msg, err := protocol.NewDOAMessage(result)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	// Middleware to check if request is a WebSocket upgrade
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive DOA stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(client, msg)
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.replyError(client, err)
		return
	}

	var reply *protocol.Message
	switch msg.Type {
	case protocol.TypePing:
		reply, err = protocol.NewMessage(protocol.TypePong, nil)

	case protocol.TypeGetStats:
		if h.tracker == nil {
			return
		}
		reply, err = protocol.NewMessage(protocol.TypeStats, h.tracker.Stats())

	case protocol.TypeConfig:
		if h.applyCfg == nil {
			return
		}
		update, perr := msg.GetConfigUpdate()
		if perr != nil {
			h.replyError(client, perr)
			return
		}
		cfg, aerr := h.applyCfg(*update)
		if aerr != nil {
			h.replyError(client, aerr)
			return
		}
		reply, err = protocol.NewMessage(protocol.TypeConfig, estimatorView(cfg))

	default:
		return
	}

	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}
	if err := client.send(reply); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

func (h *WSHub) replyError(client *wsClient, cause error) {
	msg, err := protocol.NewErrorMessage(cause)
	if err != nil {
		return
	}
	if err := client.send(msg); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
