package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProgressMessage is what the Hub pushes to subscribers for each day the
// coordinator processes.
type ProgressMessage struct {
	Type      string    `json:"type"`
	DayIndex  int       `json:"dayIndex"`
	TotalDays int       `json:"totalDays"`
	Equity    float64   `json:"equity"`
	Timestamp time.Time `json:"timestamp"`
}

// client is one connected WebSocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub fans a coordinator's progress callbacks out to every connected
// WebSocket client, grounded on the teacher's internal/api/websocket.go
// Hub (register/unregister/broadcast channel triad).
type Hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub returns an unstarted Hub; call Run to begin serving its
// channels.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub's event loop until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("dropping slow websocket client", zap.String("id", c.id))
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			return
		}
	}
}

// Close stops the hub's event loop.
func (h *Hub) Close() { close(h.done) }

// PushProgress marshals and broadcasts one day's progress to every
// connected client. Intended as a backtest.ProgressFunc.
func (h *Hub) PushProgress(dayIndex, totalDays int, equity float64) {
	payload, err := json.Marshal(ProgressMessage{
		Type: "backtest:progress", DayIndex: dayIndex, TotalDays: totalDays,
		Equity: equity, Timestamp: time.Now(),
	})
	if err != nil {
		h.logger.Error("marshal progress message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("progress broadcast buffer full, dropping update")
	}
}
