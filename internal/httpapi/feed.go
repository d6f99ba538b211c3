package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/msgcat"
	"github.com/park285/card-scorekeeper/internal/syncer"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 8
)

// FeedMessage is one push to connected clients. Type "games" carries a games
// list; type "current" carries the open game after another device edited it.
type FeedMessage struct {
	Type    string         `json:"type"`
	Room    string         `json:"room"`
	Badge   string         `json:"badge"`
	Source  syncer.Source  `json:"source,omitempty"`
	Games   []*game.Record `json:"games,omitempty"`
	Current *game.Record   `json:"current,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type feedClient struct {
	send chan []byte
}

// Hub fans coordinator snapshots out to websocket clients. New clients get the
// latest snapshot first.
type Hub struct {
	messages *msgcat.Catalog
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	last    []byte
	closed  bool
}

func NewHub(messages *msgcat.Catalog, logger *zap.Logger) *Hub {
	return &Hub{
		messages: messages,
		logger:   logger,
		clients:  make(map[*feedClient]struct{}),
	}
}

// Publish broadcasts a snapshot. Clients whose buffer is full are dropped.
func (h *Hub) Publish(s syncer.Snapshot) {
	msg := FeedMessage{
		Type:   "games",
		Room:   s.Room,
		Badge:  h.messages.Text("room.badge", map[string]any{"Room": s.Room}, s.Room),
		Source: s.Source,
		Games:  s.Games,
	}
	if msg.Games == nil {
		msg.Games = []*game.Record{}
	}
	if s.Err != nil {
		msg.Error = s.Err.Error()
	}
	h.broadcast(msg, true)
}

// PublishCurrent pushes a remote edit of the open game. It is not replayed to late joiners.
func (h *Hub) PublishCurrent(rec *game.Record) {
	if rec == nil {
		return
	}
	h.broadcast(FeedMessage{
		Type:    "current",
		Room:    rec.Room,
		Badge:   h.messages.Text("room.badge", map[string]any{"Room": rec.Room}, rec.Room),
		Current: rec,
	}, false)
}

func (h *Hub) broadcast(msg FeedMessage, keep bool) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("feed_encode_failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if keep {
		h.last = raw
	}
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Debug("feed_client_dropped")
		}
	}
}

// Clients reports the number of connected feed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() *feedClient {
	c := &feedClient{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) unregister(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades to a websocket and streams FeedMessages until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		h.logger.Warn("feed_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	client := h.register()
	defer h.unregister(client)
	h.logger.Debug("feed_client_connected", zap.String("remote", r.RemoteAddr))

	// the feed is one-way; CloseRead handles control frames and ends ctx on close
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-client.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, raw); err != nil {
				h.logger.Debug("feed_write_failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}
