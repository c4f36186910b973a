// Package ws implements the WebSocket distribution hub: a global price
// stream for every connection and a per-owner position stream for
// connections that registered an owner.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpdesk/perpdesk/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// positionsChannel is the signal-bus channel whose events nudge the
	// position loop ahead of its next tick.
	positionsChannel = "positions"
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// QuoteSource produces the current quote set for all supported assets.
type QuoteSource interface {
	Quotes(ctx context.Context) ([]domain.PriceQuote, error)
}

// PositionSource produces an owner's open positions with live PnL.
type PositionSource interface {
	GetOpenPositions(ctx context.Context, ownerID string) ([]domain.Position, error)
}

// client represents a single WebSocket connection. ownerID is empty until
// the client sends a registerOwner message.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	ownerID string
}

// clientMsg is the JSON envelope clients send to the hub.
type clientMsg struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
}

// Config tunes the hub's streaming timers.
type Config struct {
	// PriceInterval is the tick for the global price broadcast.
	PriceInterval time.Duration

	// PositionInterval is the tick for per-owner position pushes.
	PositionInterval time.Duration
}

// Hub manages WebSocket clients and runs the two streaming loops: prices to
// everyone, positions to each registered owner.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	nudge      chan struct{}

	quotes    QuoteSource
	positions PositionSource
	cache     domain.PriceCache
	bus       domain.SignalBus
	assets    []string

	cfg    Config
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a Hub. assets is the list of supported symbols used to read
// cached quotes for newly connected clients.
func NewHub(
	quotes QuoteSource,
	positions PositionSource,
	cache domain.PriceCache,
	bus domain.SignalBus,
	assets []string,
	cfg Config,
	logger *slog.Logger,
) *Hub {
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = 5 * time.Second
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 20 * time.Second
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		nudge:      make(chan struct{}, 1),
		quotes:     quotes,
		positions:  positions,
		cache:      cache,
		bus:        bus,
		assets:     assets,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run starts the hub's loops and blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.priceLoop(ctx)
	go h.positionLoop(ctx)
	go h.listenForEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)
		}
	}
}

// priceLoop broadcasts the full quote set to every client on each tick.
func (h *Hub) priceLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PriceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Fetch on every tick so the quote cache stays fresh for HTTP
			// readers; only the broadcast needs connected clients.
			quotes, err := h.quotes.Quotes(ctx)
			if err != nil {
				h.logger.Warn("ws: price fetch failed", slog.String("error", err.Error()))
				continue
			}
			if h.clientCount() == 0 {
				continue
			}
			msg, err := marshalMessage("priceUpdate", quotes)
			if err != nil {
				continue
			}
			h.broadcastAll(msg)
		}
	}
}

// positionLoop pushes open positions to each registered owner's connections.
// Every owner is fetched at most once per tick regardless of how many
// connections registered it. A bus event triggers an immediate extra tick.
func (h *Hub) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pushPositions(ctx)
		case <-h.nudge:
			h.pushPositions(ctx)
		}
	}
}

// listenForEvents subscribes to the lifecycle event channel and converts
// incoming events into position loop nudges.
func (h *Hub) listenForEvents(ctx context.Context) {
	if h.bus == nil {
		return
	}
	msgCh, err := h.bus.Subscribe(ctx, positionsChannel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to events",
			slog.String("channel", positionsChannel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: event subscription closed")
				return
			}
			select {
			case h.nudge <- struct{}{}:
			default:
			}
		}
	}
}

// pushPositions fetches positions once per distinct owner and delivers them
// only to that owner's connections.
func (h *Hub) pushPositions(ctx context.Context) {
	owners := make(map[string][]*client)
	h.mu.RLock()
	for c := range h.clients {
		if owner := c.owner(); owner != "" {
			owners[owner] = append(owners[owner], c)
		}
	}
	h.mu.RUnlock()

	for owner, conns := range owners {
		positions, err := h.positions.GetOpenPositions(ctx, owner)
		if err != nil {
			h.logger.Warn("ws: position fetch failed",
				slog.String("owner_id", owner),
				slog.String("error", err.Error()),
			)
			continue
		}
		msg, err := marshalOwnerMessage(owner, positions)
		if err != nil {
			continue
		}
		for _, c := range conns {
			c.trySend(msg)
		}
	}
}

// broadcastAll delivers a message to every connected client.
func (h *Hub) broadcastAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.trySend(msg)
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.register <- c
	c.sendCachedPrices(r.Context())

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ownerID
}

func (c *client) setOwner(ownerID string) {
	c.mu.Lock()
	c.ownerID = ownerID
	c.mu.Unlock()
}

// trySend queues a message without blocking; slow clients drop messages.
func (c *client) trySend(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("ws: dropping message for slow client")
	}
}

// sendCachedPrices pushes the last cached quotes so a new connection sees
// prices before the next polling tick.
func (c *client) sendCachedPrices(ctx context.Context) {
	if c.hub.cache == nil || len(c.hub.assets) == 0 {
		return
	}
	quotes, err := c.hub.cache.GetQuotes(ctx, c.hub.assets)
	if err != nil || len(quotes) == 0 {
		return
	}
	if msg, err := marshalMessage("priceUpdate", quotes); err == nil {
		c.trySend(msg)
	}
}

// readPump reads control messages from the client: owner registration,
// clearing, and pings.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case "registerOwner":
			if msg.OwnerID == "" {
				c.sendError("ownerId is required")
				continue
			}
			c.setOwner(msg.OwnerID)
		case "clearOwner":
			c.setOwner("")
		case "ping":
			if pong, err := marshalMessage("pong", nil); err == nil {
				c.trySend(pong)
			}
		default:
			c.sendError("unknown message type")
		}
	}
}

func (c *client) sendError(reason string) {
	if msg, err := marshalMessage("error", map[string]string{"message": reason}); err == nil {
		c.trySend(msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection and
// sends periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// marshalMessage builds the outgoing JSON envelope.
func marshalMessage(msgType string, payload any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// marshalOwnerMessage builds a positionUpdate envelope carrying the owner it
// belongs to, so clients multiplexing owners can attribute the push.
func marshalOwnerMessage(ownerID string, positions []domain.Position) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      "positionUpdate",
		"ownerId":   ownerID,
		"payload":   positions,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
