package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sendBufferSize = 256

// ClientInfo is the identity a socket declared at handshake.
type ClientInfo struct {
	ConnectionID string
	UserID       string
	SessionToken string
	IsAdmin      bool
	EmployeeID   *int64
	ConnectedAt  time.Time
}

// Client is one registered socket. Frames queued on send are written by the
// connection's write pump.
type Client struct {
	info ClientInfo
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(info ClientInfo) *Client {
	if info.ConnectionID == "" {
		info.ConnectionID = uuid.NewString()
	}
	return &Client{info: info, send: make(chan []byte, sendBufferSize)}
}

func (c *Client) Info() ClientInfo {
	return c.info
}

func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub is the registry of live sockets. Every map is guarded by mu; emits
// never block on a slow client.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	lastActivity map[string]time.Time

	now    func() time.Time
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		lastActivity: make(map[string]time.Time),
		now:          time.Now,
		logger:       logger.With().Str("component", "relay_hub").Logger(),
	}
}

// Register adds a socket and returns its client handle.
func (h *Hub) Register(info ClientInfo) *Client {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = h.now()
	}
	c := newClient(info)

	h.mu.Lock()
	h.clients[c.info.ConnectionID] = c
	h.lastActivity[c.info.ConnectionID] = h.now()
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().
		Str("connection_id", c.info.ConnectionID).
		Str("user_id", c.info.UserID).
		Bool("is_admin", c.info.IsAdmin).
		Int("connections", total).
		Msg("client connected")
	return c
}

// Unregister removes a socket and closes its send queue. It reports whether
// the socket was still registered.
func (h *Hub) Unregister(connectionID string) bool {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	delete(h.clients, connectionID)
	delete(h.lastActivity, connectionID)
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.close()
	h.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", c.info.UserID).
		Int("connections", total).
		Msg("client disconnected")
	return true
}

// Touch records inbound activity on a socket.
func (h *Hub) Touch(connectionID string) {
	h.mu.Lock()
	if _, ok := h.clients[connectionID]; ok {
		h.lastActivity[connectionID] = h.now()
	}
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends one event to every socket accepted by match and returns how many
// sockets the frame was queued for. Sockets whose queue is full are dropped.
func (h *Hub) Emit(event string, data interface{}, match func(ClientInfo) bool) int {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if match == nil || match(c.info) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
			continue
		}
		h.logger.Warn().
			Str("connection_id", c.info.ConnectionID).
			Str("event", event).
			Msg("send queue full, dropping client")
		h.Unregister(c.info.ConnectionID)
	}
	return sent
}

// SendTo emits to a single socket.
func (h *Hub) SendTo(connectionID, event string, data interface{}) bool {
	return h.Emit(event, data, func(info ClientInfo) bool {
		return info.ConnectionID == connectionID
	}) == 1
}

func (h *Hub) EmitToAll(event string, data interface{}) int {
	return h.Emit(event, data, nil)
}

func (h *Hub) EmitToAdmins(event string, data interface{}) int {
	return h.Emit(event, data, func(info ClientInfo) bool { return info.IsAdmin })
}

// EmitNotification fans a notification out by its broadcast targets. Without
// AllEmployees only employee sockets of the listed recipients match.
func (h *Hub) EmitNotification(event string, p NotificationPayload) int {
	recipients := make(map[string]struct{}, len(p.Recipients)+1)
	for _, id := range p.Recipients {
		recipients[id] = struct{}{}
	}
	if len(recipients) == 0 && p.UserID != "" {
		recipients[p.UserID] = struct{}{}
	}
	allEmployees := p.BroadcastTo.AllEmployees || p.BroadcastAll

	return h.Emit(event, p, func(info ClientInfo) bool {
		if info.IsAdmin {
			return p.BroadcastTo.Admin
		}
		if !p.BroadcastTo.Employee {
			return false
		}
		if allEmployees {
			return true
		}
		_, ok := recipients[info.UserID]
		return ok
	})
}

// Idle returns the sockets with no inbound activity for longer than timeout.
func (h *Hub) Idle(timeout time.Duration) []ClientInfo {
	cutoff := h.now().Add(-timeout)

	h.mu.RLock()
	defer h.mu.RUnlock()
	var idle []ClientInfo
	for id, last := range h.lastActivity {
		if last.Before(cutoff) {
			if c, ok := h.clients[id]; ok {
				idle = append(idle, c.info)
			}
		}
	}
	return idle
}
