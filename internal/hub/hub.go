// Broadcast encoded video to every attached WebSocket client.
//
// Delivery is best-effort with no per-client queueing: a client whose
// write fails is evicted on the spot and the fan-out continues. A client
// that reconnects resumes on the next keyframe, which arrives within one
// GOP because the encoder repeats its sequence headers.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mokulua/kvm/internal/logging"
	"github.com/mokulua/kvm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("hub")

// Conn is the write side of a WebSocket connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is an established connection plus a mutex-serialized write path.
// The hub's broadcast and the connection's own control frames must not
// interleave mid-frame.
type Client struct {
	id   string
	conn Conn

	mu sync.Mutex
}

func NewClient(conn Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Hub holds the set of active clients in registration order.
type Hub struct {
	mu      sync.Mutex
	clients []*Client

	// Invoked outside broadcast whenever a client joins; kvmd wires this
	// to the session's force-keyframe request so late joiners do not
	// wait out a full GOP.
	onJoin func()
}

func New() *Hub {
	return &Hub{}
}

// SetJoinHook registers a callback run after each Add.
func (h *Hub) SetJoinHook(fn func()) {
	h.mu.Lock()
	h.onJoin = fn
	h.mu.Unlock()
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	n := len(h.clients)
	onJoin := h.onJoin
	h.mu.Unlock()

	metrics.ClientsConnected.Set(float64(n))
	log.Info("client %s attached (%d total)", c.ID(), n)
	if onJoin != nil {
		onJoin()
	}
}

// Remove detaches the client by identity. Safe to call for a client
// already evicted by a failed broadcast.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	n := len(h.clients)
	h.mu.Unlock()

	if removed {
		metrics.ClientsConnected.Set(float64(n))
		log.Info("client %s detached (%d total)", c.ID(), n)
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	for i, existing := range h.clients {
		if existing == c {
			// Preserve registration order.
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of attached clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes one encoded unit to every client as a single binary
// message. Clients whose write fails are evicted; the rest are
// unaffected. The payload is borrowed from the encoder's mapped memory,
// so it must not be retained after this call returns.
func (h *Hub) Broadcast(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []*Client
	for _, c := range h.clients {
		if err := c.write(p); err != nil {
			log.Debug("client %s write: %v", c.ID(), err)
			failed = append(failed, c)
			continue
		}
		metrics.BroadcastBytes.Add(float64(len(p)))
	}

	if len(failed) == 0 {
		return
	}
	for _, c := range failed {
		h.removeLocked(c)
		c.Close()
	}
	metrics.ClientsConnected.Set(float64(len(h.clients)))
	metrics.ClientsEvicted.Add(float64(len(failed)))
	log.Warn("evicted %d client(s) on write failure, %d remain", len(failed), len(h.clients))
}
