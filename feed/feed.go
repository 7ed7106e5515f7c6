package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"apns-pusher/session"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Hub broadcasts session events to every connected WebSocket client.
type Hub struct {
	mu          sync.Mutex
	connections map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// Serve registers conn and blocks until the client goes away or ctx ends.
// Anything the client sends is discarded.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	ctx = conn.CloseRead(ctx)

	h.mu.Lock()
	h.connections[conn] = struct{}{}
	h.mu.Unlock()
	log.Printf("[Feed] Client connected (%d total)", h.ConnectionCount())

	<-ctx.Done()

	h.remove(conn)
	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[Feed] Client disconnected (%d total)", h.ConnectionCount())
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn)
}

// Notify writes ev to every client. A client that cannot take the event
// within the write timeout is dropped.
func (h *Hub) Notify(ev session.Event) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, c, ev)
		cancel()
		if err != nil {
			log.Printf("[Feed] Dropping client: %v", err)
			h.remove(c)
			c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
