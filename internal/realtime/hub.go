// Package realtime fans lifecycle events out to connected WebSocket clients.
//
// Each user has an independent set of connections and a bounded replay
// buffer so a briefly disconnected device can resume without polling.
// Publication is non-blocking: a connection that backs up past its send
// queue is dropped rather than allowed to stall the processor.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/observability"
)

// Options tunes the hub; zero values fall back to the listed defaults.
type Options struct {
	// Heartbeat is the ping interval; a connection missing two consecutive
	// probes is terminated. Default 30s.
	Heartbeat time.Duration
	// BufferSize bounds the per-user replay ring by count. Default 200.
	BufferSize int
	// BufferTTL bounds the per-user replay ring by age. Default 5m.
	BufferTTL time.Duration
	// SendQueue is the per-connection outbound queue length. Default 256.
	SendQueue int
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 200
	}
	if o.BufferTTL <= 0 {
		o.BufferTTL = 5 * time.Minute
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	return o
}

type userState struct {
	clients map[*Client]struct{}
	ring    *ring
	// lastTS enforces strictly increasing event timestamps per user so the
	// replay cursor is unambiguous.
	lastTS int64
}

// Hub routes lifecycle events to each user's connections.
type Hub struct {
	opts Options

	mu     sync.Mutex
	users  map[string]*userState
	closed bool
}

// NewHub constructs a Hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts:  opts.withDefaults(),
		users: make(map[string]*userState),
	}
}

func (h *Hub) user(userID string) *userState {
	st, ok := h.users[userID]
	if !ok {
		st = &userState{
			clients: make(map[*Client]struct{}),
			ring:    newRing(h.opts.BufferSize, h.opts.BufferTTL),
		}
		h.users[userID] = st
	}
	return st
}

// Publish appends the event to the user's replay buffer (unless its kind is
// transient) and pushes it to every open connection. Never blocks.
func (h *Hub) Publish(ev domain.Event) {
	if ev.UserID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	st := h.user(ev.UserID)
	if ev.Timestamp <= st.lastTS {
		ev.Timestamp = st.lastTS + 1
	}
	st.lastTS = ev.Timestamp

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal lifecycle event", slog.Any("error", err))
		return
	}
	if !ev.Kind.Transient() {
		st.ring.append(ev)
	}
	h.push(st, data)
}

// BroadcastAll delivers a system-wide notice to every connected client. The
// event is not buffered for replay.
func (h *Hub) BroadcastAll(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	for _, st := range h.users {
		h.push(st, data)
	}
}

// push must run with h.mu held. Slow clients are dropped.
func (h *Hub) push(st *userState, data []byte) {
	var slow []*Client
	for c := range st.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		observability.WSEventsDroppedTotal.Inc()
		slog.Warn("dropping slow websocket client", slog.String("user_id", c.userID))
		h.detachLocked(c)
	}
}

// Attach registers a connection for a user and, when resumeAfter > 0,
// replays buffered non-transient events strictly newer than that timestamp
// before any live event reaches the connection.
func (h *Hub) Attach(c *Client, resumeAfter int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return
	}
	st := h.user(c.userID)
	if resumeAfter > 0 {
		for _, ev := range st.ring.after(resumeAfter) {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case c.send <- data:
			default:
				// Replay overflow: the client queue is smaller than the
				// backlog; drop the remainder, live flow resumes below.
			}
		}
	}
	st.clients[c] = struct{}{}
	observability.WSConnections.Inc()
}

// Detach removes a connection; idempotent.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
}

func (h *Hub) detachLocked(c *Client) {
	st, ok := h.users[c.userID]
	if !ok {
		return
	}
	if _, registered := st.clients[c]; !registered {
		return
	}
	delete(st.clients, c)
	close(c.send)
	observability.WSConnections.Dec()
	if len(st.clients) == 0 && st.ring.len() == 0 {
		delete(h.users, c.userID)
	}
}

// ClientCount returns the number of open connections for a user.
func (h *Hub) ClientCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.users[userID]; ok {
		return len(st.clients)
	}
	return 0
}

// ConnectedUsers returns users with at least one open connection.
func (h *Hub) ConnectedUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.users))
	for u, st := range h.users {
		if len(st.clients) > 0 {
			out = append(out, u)
		}
	}
	return out
}

// Close detaches every client and rejects further attaches. Called last in
// the shutdown ordering, after in-flight jobs have drained.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, st := range h.users {
		for c := range st.clients {
			delete(st.clients, c)
			close(c.send)
			observability.WSConnections.Dec()
		}
	}
	h.users = make(map[string]*userState)
}
