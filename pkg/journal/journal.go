package journal

import (
	"context"
	"log/slog"
	"sync"
)

// Journal is the append-only event store API. Implementations assign sequence
// numbers under the emit lock, so per-journal ordering is total.
type Journal interface {
	// Emit appends an event and delivers it to subscribers. payload is
	// marshaled to JSON; a nil payload produces an event without one.
	Emit(ctx context.Context, sessionID, eventType string, payload any) (Event, error)

	// ReadSession returns up to limit events of the session whose seq is
	// >= offset, plus the total number of events the session has.
	ReadSession(ctx context.Context, sessionID string, offset int64, limit int) ([]Event, int, error)

	// ReadAllStream streams every event in seq order. The channel closes
	// when the snapshot is exhausted or ctx is done.
	ReadAllStream(ctx context.Context) (<-chan Event, error)

	// Compact removes events of terminal sessions, keeping any session
	// listed in retain. Returns the number of events removed.
	Compact(ctx context.Context, retain []string) (int, error)

	// Subscribe registers a live event feed with the given channel buffer.
	// The returned func unsubscribes; it is safe to call more than once.
	Subscribe(buffer int) (<-chan Event, func())

	// Close releases resources. Subscribers are closed.
	Close() error
}

// broadcaster fans emitted events out to subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event and is
// expected to catch up via replay.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Journal subscriber buffer full, dropping event",
				"subscriber", id, "seq", ev.Seq, "type", ev.Type)
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
