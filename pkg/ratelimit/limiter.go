// Package ratelimit implements a sliding-window rate limiter keyed by client
// IP, with LRU eviction so the tracked-key set stays bounded no matter how
// many distinct addresses hit the server.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// MaxKeys is the cap on tracked keys; the least recently used key is evicted
// when a new key would exceed it.
const MaxKeys = 10_000

// Verdict is the outcome of one check.
type Verdict struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	key        string
	timestamps []time.Time
}

// Limiter is a sliding-window limiter: at most Max requests per key within
// any interval of length Window.
type Limiter struct {
	max     int
	window  time.Duration
	maxKeys int

	mu    sync.Mutex
	keys  map[string]*list.Element // key → element whose Value is *window
	order *list.List               // front = most recently used

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewLimiter creates a limiter allowing max requests per window per key.
func NewLimiter(max int, windowDur time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  windowDur,
		maxKeys: MaxKeys,
		keys:    make(map[string]*list.Element),
		order:   list.New(),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Check records a request for key and reports whether it is allowed. The
// request timestamp is appended before counting, so the verdict reflects the
// request itself.
func (l *Limiter) Check(key string) Verdict {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.keys[key]
	var w *window
	if ok {
		w = elem.Value.(*window)
		l.order.MoveToFront(elem)
	} else {
		if len(l.keys) >= l.maxKeys {
			l.evictOldest()
		}
		w = &window{key: key}
		l.keys[key] = l.order.PushFront(w)
	}

	// Purge timestamps older than the window, append now.
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = append(kept, now)

	count := len(w.timestamps)
	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{
		Allowed:   count <= l.max,
		Remaining: remaining,
		ResetAt:   w.timestamps[0].Add(l.window),
	}
}

// evictOldest drops the least recently used key. Caller holds l.mu.
func (l *Limiter) evictOldest() {
	back := l.order.Back()
	if back == nil {
		return
	}
	w := back.Value.(*window)
	delete(l.keys, w.key)
	l.order.Remove(back)
}

// StartJanitor prunes idle keys every interval until Stop is called. Keys
// whose newest timestamp has left the window are dropped entirely.
func (l *Limiter) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.prune()
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Limiter) prune() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, elem := range l.keys {
		w := elem.Value.(*window)
		if len(w.timestamps) == 0 || !w.timestamps[len(w.timestamps)-1].After(cutoff) {
			delete(l.keys, key)
			l.order.Remove(elem)
		}
	}
}

// Stop halts the janitor. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// TrackedKeys returns the number of keys currently tracked.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
