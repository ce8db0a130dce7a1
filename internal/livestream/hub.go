// Package livestream pushes each decoded packet to connected websocket
// clients so operators can watch telemetry without touching the store.
// Delivery is best-effort: a slow client is disconnected rather than
// allowed to stall the pipeline.
package livestream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/models"
	"github.com/Rylan-Meilutis/sedsprintf-ingest/internal/sink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans decoded packets out to websocket clients. It implements
// sink.Sink with an Accept that never fails and never blocks the
// pipeline.
type Hub struct {
	log        *logrus.Logger
	clients    map[*client]bool
	broadcast  chan sink.Record
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan sink.Record
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*client]bool),
		broadcast:  make(chan sink.Record, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *Hub) Name() string { return "livestream" }

// Accept queues the packet for broadcast. When the broadcast queue is
// full the packet is dropped for live viewers only; the durable sinks
// have already seen it.
func (h *Hub) Accept(_ context.Context, pkt *models.Packet) error {
	select {
	case h.broadcast <- sink.NewRecord(pkt, ""):
	default:
		h.log.Debug("livestream queue full, dropping packet")
	}
	return nil
}

// Run owns the client set. Returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", total).Info("livestream client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", total).Info("livestream client disconnected")

		case rec := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- rec:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ServeWS upgrades an HTTP request into a live packet stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan sink.Record, 256),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// ClientCount reports connected livestream clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case rec, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// StatsHandler serves a JSON snapshot from the given provider, used
// for the /stats endpoint alongside the websocket route.
func StatsHandler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
