package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/widget"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

type wsClient struct {
	tank string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans widget updates out to browsers watching a tank page. A client
// whose send buffer is full is dropped rather than allowed to stall the
// widget loops.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]map[*wsClient]struct{}
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Publish implements widget.Sink.
func (h *Hub) Publish(ctx context.Context, u widget.Update) error {
	h.mu.Lock()
	n := len(h.clients[u.State.Tank])
	h.mu.Unlock()
	if n == 0 {
		return nil
	}
	msg, err := json.Marshal(u.State)
	if err != nil {
		return err
	}
	h.broadcast(u.State.Tank, msg)
	return nil
}

func (h *Hub) broadcast(tank string, msg []byte) {
	var slow []*wsClient
	h.mu.Lock()
	for c := range h.clients[tank] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		observability.PublishErrorsTotal.WithLabelValues("websocket").Inc()
		h.logger.Debug("dropping slow websocket client", zap.String("tank", tank))
		h.unregister(c)
	}
}

// Serve upgrades the request and streams tank updates, starting with initial.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tank string, initial models.RenderState) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		loggerFrom(r.Context(), h.logger).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{tank: tank, conn: conn, send: make(chan []byte, sendBuffer)}
	if msg, err := json.Marshal(initial); err == nil {
		c.send <- msg
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.tank]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.tank] = set
	}
	set[c] = struct{}{}
	observability.WebSocketClients.Inc()
	return true
}

// unregister removes c and closes its send channel exactly once.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.tank]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.tank)
	}
	close(c.send)
	observability.WebSocketClients.Dec()
}

// readPump discards client messages; it exists to process pongs and notice disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*wsClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.unregister(c)
	}
}
