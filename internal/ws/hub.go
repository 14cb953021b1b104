// Package ws pushes git-sync status events to websocket clients subscribed
// per document.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ejunz/api/internal/events"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to the websocket clients of each (domain, doc).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the CORS layer in front of the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and keeps the connection subscribed to one
// document until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, domainID, docID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	key := docKey(domainID, docID)

	h.mu.Lock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[*client]struct{})
	}
	h.clients[key][c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(key, c)
	go h.readPump(key, c)
	return nil
}

// Broadcast sends an event to every client subscribed to its document.
// Clients that cannot keep up are dropped rather than blocking the sender.
//
// The sends happen under the read lock: drop closes send channels under the
// write lock, so a channel can never be closed while a send is in flight.
func (h *Hub) Broadcast(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := docKey(event.DomainID, event.DocID)

	var overflowed []*client
	h.mu.RLock()
	for c := range h.clients[key] {
		select {
		case c.send <- payload:
		default:
			overflowed = append(overflowed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range overflowed {
		h.drop(key, c)
	}
}

// ClientCount reports the subscribers of one document.
func (h *Hub) ClientCount(domainID, docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[docKey(domainID, docID)])
}

func (h *Hub) writePump(key string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(key, c)
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (h *Hub) readPump(key string, c *client) {
	defer h.drop(key, c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// inbound messages are ignored; the channel is push-only
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(key string, c *client) {
	h.mu.Lock()
	if subscribers, ok := h.clients[key]; ok {
		if _, present := subscribers[c]; present {
			delete(subscribers, c)
			close(c.send)
			if len(subscribers) == 0 {
				delete(h.clients, key)
			}
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func docKey(domainID, docID string) string {
	return domainID + "/" + docID
}
