// Package events bridges the journal's single live subscription to every
// connected client: per-session SSE streams and per-subscription WebSocket
// connections. The journal is the only shared fan-out point: the kernel
// writes, this package reads and re-publishes, which keeps the
// event graph acyclic.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// Fan-out limits.
const (
	// MaxMissedEvents is how many events a backpressured SSE client may
	// miss before it is terminated.
	MaxMissedEvents = 1000

	// MaxEventBytes is the ceiling on a serialized event. Oversized events
	// are dropped with a warning; clients are never terminated for them.
	MaxEventBytes = 100_000

	// sseBuffer is the per-client channel depth. A full buffer marks the
	// client paused and counts missed events.
	sseBuffer = 64
)

// SSEClient is one connected event-stream client. The HTTP handler drains
// Events and writes frames; Done closes when the manager terminates the
// client for falling too far behind.
type SSEClient struct {
	SessionID string
	Events    chan journal.Event
	Done      chan struct{}

	mu         sync.Mutex
	paused     bool
	missed     int
	terminated bool
}

// offer delivers an event without blocking. A full buffer pauses the client
// and counts a miss; draining room resets both. Returns false once the
// client passed the missed-event ceiling and was terminated.
func (c *SSEClient) offer(ev journal.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return false
	}
	select {
	case c.Events <- ev:
		if c.paused {
			c.paused = false
			c.missed = 0
		}
		return true
	default:
		c.paused = true
		c.missed++
		if c.missed > MaxMissedEvents {
			c.terminated = true
			close(c.Done)
			return false
		}
		return true
	}
}

// WSSink is the fan-out's view of a WebSocket connection. Send must not
// block; implementations drop or close on a stuck peer.
type WSSink interface {
	// SubscribedTo reports whether the connection asked for this session's
	// events.
	SubscribedTo(sessionID string) bool
	// Send serializes and writes one message.
	Send(v any)
}

// Manager consumes the journal subscription and routes events. One Manager
// per server process.
type Manager struct {
	mu         sync.RWMutex
	sseClients map[string]map[*SSEClient]struct{} // session_id → clients
	wsSinks    map[WSSink]struct{}
}

// NewManager creates an empty fan-out manager.
func NewManager() *Manager {
	return &Manager{
		sseClients: make(map[string]map[*SSEClient]struct{}),
		wsSinks:    make(map[WSSink]struct{}),
	}
}

// Run consumes events until the channel closes or ctx is done. Call in a
// dedicated goroutine with the channel from journal.Subscribe.
func (m *Manager) Run(ctx context.Context, events <-chan journal.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(ev)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one event to SSE clients of its session and to WS
// connections subscribed to it.
func (m *Manager) dispatch(ev journal.Event) {
	if size := eventSize(ev); size > MaxEventBytes {
		slog.Warn("Dropping oversized event",
			"session_id", ev.SessionID, "type", ev.Type, "seq", ev.Seq, "bytes", size)
		return
	}

	m.mu.RLock()
	clients := make([]*SSEClient, 0, len(m.sseClients[ev.SessionID]))
	for c := range m.sseClients[ev.SessionID] {
		clients = append(clients, c)
	}
	sinks := make([]WSSink, 0, len(m.wsSinks))
	for s := range m.wsSinks {
		sinks = append(sinks, s)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if !c.offer(ev) {
			m.RemoveSSE(c)
			slog.Warn("Terminated SSE client after missed-event ceiling",
				"session_id", ev.SessionID)
		}
	}
	for _, s := range sinks {
		if s.SubscribedTo(ev.SessionID) {
			s.Send(map[string]any{
				"type":       "event",
				"session_id": ev.SessionID,
				"event":      ev,
			})
		}
	}
}

func eventSize(ev journal.Event) int {
	b, err := json.Marshal(ev)
	if err != nil {
		return 0
	}
	return len(b)
}

// AddSSE registers a client for a session and returns it. The second return
// is the current client count for the session after registration, which the
// HTTP handler uses for per-session caps.
func (m *Manager) AddSSE(sessionID string) (*SSEClient, int) {
	c := &SSEClient{
		SessionID: sessionID,
		Events:    make(chan journal.Event, sseBuffer),
		Done:      make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sseClients[sessionID] == nil {
		m.sseClients[sessionID] = make(map[*SSEClient]struct{})
	}
	m.sseClients[sessionID][c] = struct{}{}
	return c, len(m.sseClients[sessionID])
}

// SSECount returns the number of clients streaming a session.
func (m *Manager) SSECount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sseClients[sessionID])
}

// RemoveSSE unregisters a client.
func (m *Manager) RemoveSSE(c *SSEClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sseClients[c.SessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.sseClients, c.SessionID)
		}
	}
}

// AddWS registers a WebSocket sink for event routing.
func (m *Manager) AddWS(s WSSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsSinks[s] = struct{}{}
}

// RemoveWS unregisters a sink.
func (m *Manager) RemoveWS(s WSSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wsSinks, s)
}

// BroadcastAll sends a message to every WS connection regardless of
// subscriptions. Approval notifications use it.
func (m *Manager) BroadcastAll(v any) {
	m.mu.RLock()
	sinks := make([]WSSink, 0, len(m.wsSinks))
	for s := range m.wsSinks {
		sinks = append(sinks, s)
	}
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Send(v)
	}
}

// CloseAllSSE terminates every SSE client. Used during shutdown.
func (m *Manager) CloseAllSSE() {
	m.mu.Lock()
	var all []*SSEClient
	for _, set := range m.sseClients {
		for c := range set {
			all = append(all, c)
		}
	}
	m.sseClients = make(map[string]map[*SSEClient]struct{})
	m.mu.Unlock()

	for _, c := range all {
		c.mu.Lock()
		if !c.terminated {
			c.terminated = true
			close(c.Done)
		}
		c.mu.Unlock()
	}
}
