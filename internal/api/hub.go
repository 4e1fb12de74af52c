package api

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tally-io/tally/internal/logging"
	"github.com/tally-io/tally/internal/realtime"
)

const (
	defaultClientBuffer = 32

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub fans change events out to websocket clients. Publish never blocks: a
// client whose buffer is full is disconnected and expected to refetch.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	closed   bool
	buffer   int
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

type wsClient struct {
	send chan realtime.ChangeEvent
	once sync.Once
	done chan struct{}
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub accepting connections from allowedOrigins. "*" or an
// empty list accepts any origin.
func NewHub(allowedOrigins []string) *Hub {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		buffer:  defaultClientBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logging.Global().With(map[string]any{"component": "realtime-hub"}),
	}
}

// Publish delivers ev to every connected client.
func (h *Hub) Publish(ev realtime.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("dropping slow realtime client")
			delete(h.clients, c)
			c.stop()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
	clear(h.clients)
}

func (h *Hub) register() (*wsClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &wsClient{send: make(chan realtime.ChangeEvent, h.buffer), done: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

func (h *Hub) serve(c *gin.Context) {
	client, ok := h.register()
	if !ok {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: CodeUnavailable, Message: "server is shutting down"})
		return
	}
	defer h.unregister(client)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	go func() {
		defer client.stop()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
