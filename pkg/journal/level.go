package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key scheme. Uses "|" as separator so UUIDs in session ids are safe.
//
//	e|<seq be64>               → event JSON        (primary record)
//	s|<session>|<seq be64>     → nil               (per-session index)
//	t|<session>                → nil               (terminal marker, for compact)
const (
	prefixEvent    = "e|"
	prefixSession  = "s|"
	prefixTerminal = "t|"
)

// LevelJournal is the embedded durable journal backend.
type LevelJournal struct {
	db *leveldb.DB

	mu      sync.Mutex
	nextSeq int64
	closed  bool

	bc *broadcaster
}

var _ Journal = (*LevelJournal)(nil)

// OpenLevelJournal opens (or creates) a LevelDB-backed journal at path and
// recovers the next sequence number from the highest stored event key.
func OpenLevelJournal(path string) (*LevelJournal, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}

	j := &LevelJournal{db: db, nextSeq: 1, bc: newBroadcaster()}

	iter := db.NewIterator(util.BytesPrefix([]byte(prefixEvent)), nil)
	if iter.Last() {
		j.nextSeq = seqFromKey(iter.Key()) + 1
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to recover journal sequence: %w", err)
	}
	return j, nil
}

func eventKey(seq int64) []byte {
	k := make([]byte, len(prefixEvent)+8)
	copy(k, prefixEvent)
	binary.BigEndian.PutUint64(k[len(prefixEvent):], uint64(seq))
	return k
}

func sessionKey(sessionID string, seq int64) []byte {
	k := make([]byte, 0, len(prefixSession)+len(sessionID)+1+8)
	k = append(k, prefixSession...)
	k = append(k, sessionID...)
	k = append(k, '|')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(k, buf[:]...)
}

func seqFromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// Emit appends an event, indexes it under its session, and publishes it.
func (j *LevelJournal) Emit(_ context.Context, sessionID, eventType string, payload any) (Event, error) {
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

	data, err := json.Marshal(ev)
	if err != nil {
		j.mu.Unlock()
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(eventKey(ev.Seq), data)
	batch.Put(sessionKey(sessionID, ev.Seq), nil)
	if IsTerminal(eventType) {
		batch.Put([]byte(prefixTerminal+sessionID), nil)
	}
	if err := j.db.Write(batch, nil); err != nil {
		j.mu.Unlock()
		return Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	j.nextSeq++
	j.mu.Unlock()

	j.bc.publish(ev)
	return ev, nil
}

// ReadSession walks the per-session index and returns up to limit events with
// seq >= offset plus the session's total event count.
func (j *LevelJournal) ReadSession(_ context.Context, sessionID string, offset int64, limit int) ([]Event, int, error) {
	prefix := []byte(prefixSession + sessionID + "|")
	iter := j.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []Event
	total := 0
	for iter.Next() {
		total++
		seq := seqFromKey(iter.Key())
		if seq < offset {
			continue
		}
		if limit > 0 && len(out) >= limit {
			continue // keep counting total
		}
		ev, err := j.getEvent(seq)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, 0, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	return out, total, nil
}

func (j *LevelJournal) getEvent(seq int64) (Event, error) {
	data, err := j.db.Get(eventKey(seq), nil)
	if err != nil {
		return Event{}, fmt.Errorf("failed to load event %d: %w", seq, err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event %d: %w", seq, err)
	}
	return ev, nil
}

// ReadAllStream streams every stored event in seq order.
func (j *LevelJournal) ReadAllStream(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		iter := j.db.NewIterator(util.BytesPrefix([]byte(prefixEvent)), nil)
		defer iter.Release()
		for iter.Next() {
			var ev Event
			if err := json.Unmarshal(iter.Value(), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Compact deletes events of sessions with a terminal marker, except retained
// ones and the _system pseudo-session.
func (j *LevelJournal) Compact(_ context.Context, retain []string) (int, error) {
	keep := make(map[string]bool, len(retain))
	for _, id := range retain {
		keep[id] = true
	}

	iter := j.db.NewIterator(util.BytesPrefix([]byte(prefixTerminal)), nil)
	var victims []string
	for iter.Next() {
		sessionID := string(iter.Key()[len(prefixTerminal):])
		if keep[sessionID] || sessionID == SystemSession {
			continue
		}
		victims = append(victims, sessionID)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan terminal sessions: %w", err)
	}

	removed := 0
	for _, sessionID := range victims {
		batch := new(leveldb.Batch)
		prefix := []byte(prefixSession + sessionID + "|")
		it := j.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			seq := seqFromKey(it.Key())
			batch.Delete(eventKey(seq))
			batch.Delete(append([]byte(nil), it.Key()...))
			removed++
		}
		it.Release()
		batch.Delete([]byte(prefixTerminal + sessionID))
		if err := j.db.Write(batch, nil); err != nil {
			return removed, fmt.Errorf("failed to compact session %s: %w", sessionID, err)
		}
	}
	return removed, nil
}

// Subscribe registers a live feed.
func (j *LevelJournal) Subscribe(buffer int) (<-chan Event, func()) {
	return j.bc.subscribe(buffer)
}

// Close closes subscribers and the underlying database.
func (j *LevelJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	j.bc.close()
	return j.db.Close()
}
