// Package broadcast fans roster snapshots out to subscribed viewers over
// persistent websocket connections. Viewers subscribe and unsubscribe at any
// time without affecting the scheduler's cadence; a slow viewer drops frames
// rather than blocking the hub.
package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/position.report/internal/uwb"
)

const (
	// writeTimeout bounds a single frame write to one viewer.
	writeTimeout = 5 * time.Second
	// sendQueueSize is the per-viewer frame buffer; overflow drops frames
	// for that viewer only.
	sendQueueSize = 8
)

type viewer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected viewers and the latest published snapshot. A newly
// subscribing viewer receives the current snapshot immediately, then
// subsequent snapshots on the regular cadence.
type Hub struct {
	mu      sync.Mutex
	viewers map[string]*viewer
	last    []byte

	dropped  atomic.Uint64
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		viewers: make(map[string]*viewer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Viewers are dashboards on arbitrary hosts; transport-layer
			// security is out of scope here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish serializes the snapshot once and queues it to every viewer.
// Implements uwb.Publisher.
func (h *Hub) Publish(snap uwb.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[Hub] failed to marshal snapshot: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = payload
	for _, v := range h.viewers {
		select {
		case v.send <- payload:
		default:
			// Viewer is slow; drop this frame for it.
			h.dropped.Add(1)
		}
	}
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// DroppedFrames returns the total frames dropped for slow viewers.
func (h *Hub) DroppedFrames() uint64 {
	return h.dropped.Load()
}

// HandleWS upgrades the request and serves snapshots until the viewer
// disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}

	v := &viewer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	h.viewers[v.id] = v
	if h.last != nil {
		v.send <- h.last
	}
	count := len(h.viewers)
	h.mu.Unlock()
	log.Printf("[Hub] viewer %s connected (total: %d)", v.id, count)

	go h.writePump(v)
	h.readPump(v)
}

// writePump delivers queued frames to one viewer. Exits when the send
// channel closes (unsubscribe) or a write fails.
func (h *Hub) writePump(v *viewer) {
	for payload := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := v.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.remove(v)
			return
		}
	}
}

// readPump discards inbound messages and detects disconnects. The broadcast
// channel is bidirectional at the transport level but carries no viewer
// commands today.
func (h *Hub) readPump(v *viewer) {
	defer h.remove(v)
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// remove unsubscribes the viewer; safe to call from both pumps.
func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	if _, ok := h.viewers[v.id]; ok {
		delete(h.viewers, v.id)
		close(v.send)
		count := len(h.viewers)
		h.mu.Unlock()
		v.conn.Close()
		log.Printf("[Hub] viewer %s disconnected (remaining: %d)", v.id, count)
		return
	}
	h.mu.Unlock()
	v.conn.Close()
}
