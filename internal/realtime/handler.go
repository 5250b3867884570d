// ABOUTME: WebSocket endpoint for live stream subscribers
// ABOUTME: Each connection gets a broadcaster subscription, a write pump with pings and a read pump for liveness

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/conversation"
)

// Subscriptions is the part of the broadcaster a connection needs.
type Subscriptions interface {
	Subscribe(ctx context.Context) (<-chan conversation.Payload, string)
	Unsubscribe(subID string)
}

// Config tunes connection keepalive and limits.
type Config struct {
	WriteWait       time.Duration // time allowed to write one frame
	PongWait        time.Duration // time allowed between pongs
	PingPeriod      time.Duration // must be less than PongWait
	MaxMessageBytes int64         // largest inbound frame accepted
	AllowedOrigins  []string      // browser origins allowed to connect; empty or "*" allows any
}

// DefaultConfig returns the keepalive settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageBytes: 4096,
	}
}

// Handler upgrades requests to WebSocket connections that receive every
// published payload as a JSON text frame. Inbound frames are read and discarded.
type Handler struct {
	subs     Subscriptions
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the WebSocket endpoint. Pass nil logger for default.
func NewHandler(subs Subscriptions, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}

	h := &Handler{
		subs:   subs,
		cfg:    cfg,
		logger: logger.With("component", "realtime"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	payloads, subID := h.subs.Subscribe(ctx)

	c := &client{
		conn:     conn,
		payloads: payloads,
		cfg:      h.cfg,
		logger:   h.logger.With("sub_id", subID, "conn_id", uuid.NewString()[:8]),
	}
	c.logger.Info("subscriber connected", "remote", r.RemoteAddr)

	go c.writePump()
	go func() {
		c.readPump()
		cancel()
		h.subs.Unsubscribe(subID)
		c.logger.Info("subscriber disconnected")
	}()
}

// client is one live connection.
type client struct {
	conn     *websocket.Conn
	payloads <-chan conversation.Payload
	cfg      Config
	logger   *slog.Logger
}

// readPump discards inbound frames and ends when the peer goes away or stops
// answering pings.
func (c *client) readPump() {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump sends payloads and pings. It ends when the subscription channel
// closes or a write fails; either way the connection is closed, which also
// stops readPump.
func (c *client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case p, ok := <-c.payloads:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// Unsubscribed: shutdown, slow consumer, or peer gone
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			data, err := json.Marshal(p)
			if err != nil {
				c.logger.Error("failed to marshal payload", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
