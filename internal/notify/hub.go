// Package notify pushes job updates to websocket subscribers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/convertd/api-go/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

type update struct {
	userID  string
	payload []byte
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans job updates out to the websocket clients of the job's owner.
// Publish never blocks: when the hub or a client falls behind, updates are
// dropped, and pollers still see the latest state in the store.
type Hub struct {
	render     func(model.Job) any
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan update
	stopped    chan struct{}

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds a hub. render shapes the job payload; nil sends the job as is.
func NewHub(render func(model.Job) any) *Hub {
	if render == nil {
		render = func(j model.Job) any { return j }
	}
	return &Hub{
		render: render,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan update, 256),
		stopped:    make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run dispatches until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			close(h.stopped)
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("websocket client connected", "userId", c.userID, "clients", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("websocket client disconnected", "userId", c.userID, "clients", n)
		case u := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.userID != u.userID {
					continue
				}
				select {
				case c.send <- u.payload:
				default:
					// Too slow to keep up; drop the connection.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// clientCount reports the number of connected subscribers.
func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues a job update for the job's owner.
func (h *Hub) Publish(job model.Job) {
	payload, err := json.Marshal(map[string]any{
		"type": "job_update",
		"job":  h.render(job),
	})
	if err != nil {
		slog.Error("marshal job update", "jobId", job.ID, "error", err)
		return
	}
	select {
	case h.broadcast <- update{userID: job.UserID, payload: payload}:
	default:
		slog.Warn("job update dropped, hub is backed up", "jobId", job.ID)
	}
}

// ServeWS upgrades the request and streams the user's job updates until
// the client goes away or the request context ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}

	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump only exists to notice closes and answer pings.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
