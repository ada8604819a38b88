package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryJournal keeps all events in memory. Used for mock-mode servers and
// tests; production servers use LevelJournal.
type MemoryJournal struct {
	mu      sync.RWMutex
	nextSeq int64
	events  []Event
	// session index: session_id → positions into events (pre-compaction
	// positions are rebuilt on compact).
	bySession map[string][]int

	bc     *broadcaster
	closed bool
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		nextSeq:   1,
		bySession: make(map[string][]int),
		bc:        newBroadcaster(),
	}
}

// Emit appends an event and delivers it to subscribers.
func (j *MemoryJournal) Emit(_ context.Context, sessionID, eventType string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = b
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return Event{}, fmt.Errorf("journal is closed")
	}
	ev := Event{
		Seq:       j.nextSeq,
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	j.nextSeq++
	j.events = append(j.events, ev)
	j.bySession[sessionID] = append(j.bySession[sessionID], len(j.events)-1)
	j.mu.Unlock()

	j.bc.publish(ev)
	return ev, nil
}

// ReadSession returns up to limit session events with seq >= offset and the
// session's total event count.
func (j *MemoryJournal) ReadSession(_ context.Context, sessionID string, offset int64, limit int) ([]Event, int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	idxs := j.bySession[sessionID]
	out := make([]Event, 0, limit)
	for _, i := range idxs {
		ev := j.events[i]
		if ev.Seq < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, ev)
	}
	return out, len(idxs), nil
}

// ReadAllStream streams a snapshot of every event in seq order.
func (j *MemoryJournal) ReadAllStream(ctx context.Context) (<-chan Event, error) {
	j.mu.RLock()
	snapshot := make([]Event, len(j.events))
	copy(snapshot, j.events)
	j.mu.RUnlock()

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, ev := range snapshot {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Compact drops events of sessions that have a terminal event, except those
// listed in retain. The _system pseudo-session is never compacted.
func (j *MemoryJournal) Compact(_ context.Context, retain []string) (int, error) {
	keep := make(map[string]bool, len(retain))
	for _, id := range retain {
		keep[id] = true
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	terminal := make(map[string]bool)
	for _, ev := range j.events {
		if IsTerminal(ev.Type) {
			terminal[ev.SessionID] = true
		}
	}

	kept := j.events[:0]
	removed := 0
	for _, ev := range j.events {
		if terminal[ev.SessionID] && !keep[ev.SessionID] && ev.SessionID != SystemSession {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	j.events = kept

	j.bySession = make(map[string][]int, len(j.bySession))
	for i, ev := range j.events {
		j.bySession[ev.SessionID] = append(j.bySession[ev.SessionID], i)
	}
	return removed, nil
}

// Subscribe registers a live feed.
func (j *MemoryJournal) Subscribe(buffer int) (<-chan Event, func()) {
	return j.bc.subscribe(buffer)
}

// Close closes all subscribers. Further emits fail.
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	j.bc.close()
	return nil
}
