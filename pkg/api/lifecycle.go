package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/karnevil9/karnevil9/pkg/events"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/kernel"
	"github.com/karnevil9/karnevil9/pkg/models"
)

// Supervisor errors.
var (
	ErrAtCapacity    = errors.New("too many concurrent sessions")
	ErrAlreadyActive = errors.New("session is already active")
)

// Supervisor owns the kernels map and the active-sessions set. Each admitted
// kernel runs in its own goroutine, raced against a hard deadline of
// max_duration_ms plus a buffer; whichever side loses, the session ends with
// a terminal journal record and the kernel is evicted after a grace period so
// clients can still GET the finished session.
type Supervisor struct {
	journal       journal.Journal
	fanout        *events.Manager
	maxActive     int
	timeoutBuffer time.Duration
	evictionGrace time.Duration

	mu       sync.Mutex
	kernels  map[string]*kernel.Kernel
	active   map[string]struct{}
	reserved int           // slots claimed via Reserve, not yet admitted
	timers   []*time.Timer // pending eviction timers, stopped on Close
	closed   bool

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor. fanout may be nil (no synthetic
// broadcast on supervisor-detected failures).
func NewSupervisor(jnl journal.Journal, fanout *events.Manager, maxActive int, timeoutBuffer, evictionGrace time.Duration) *Supervisor {
	return &Supervisor{
		journal:       jnl,
		fanout:        fanout,
		maxActive:     maxActive,
		timeoutBuffer: timeoutBuffer,
		evictionGrace: evictionGrace,
		kernels:       make(map[string]*kernel.Kernel),
		active:        make(map[string]struct{}),
	}
}

// Reserve claims an admission slot ahead of session creation, so the
// capacity check and the slot grab happen as one atomic step. Callers that
// reserve must either Admit the kernel or Release the slot; otherwise a
// rejected create would journal session.created for a session that never
// runs.
func (s *Supervisor) Reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active)+s.reserved >= s.maxActive {
		return ErrAtCapacity
	}
	s.reserved++
	return nil
}

// Release returns a reservation that was never admitted.
func (s *Supervisor) Release() {
	s.mu.Lock()
	if s.reserved > 0 {
		s.reserved--
	}
	s.mu.Unlock()
}

// Admit registers a kernel whose session was just created and marks it
// active, consuming an outstanding reservation when one is held.
// ErrAtCapacity when no slot is free; ErrAlreadyActive when the session is
// already supervised.
func (s *Supervisor) Admit(k *kernel.Kernel) error {
	sess := k.Session()
	if sess == nil {
		return kernel.ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[sess.ID]; ok {
		return ErrAlreadyActive
	}
	if s.reserved > 0 {
		s.reserved--
	} else if len(s.active)+s.reserved >= s.maxActive {
		return ErrAtCapacity
	}
	s.kernels[sess.ID] = k
	s.active[sess.ID] = struct{}{}
	return nil
}

// Start launches the supervised run for an admitted kernel.
func (s *Supervisor) Start(ctx context.Context, k *kernel.Kernel) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, k)
	}()
}

// supervise races kernel.Run against the session's duration budget plus the
// buffer. Panics and run errors surface as a best-effort session.failed plus
// a synthetic broadcast, but only when the kernel did not already journal a
// terminal record of its own.
func (s *Supervisor) supervise(ctx context.Context, k *kernel.Kernel) {
	sess := k.Session()
	deadline := time.Duration(sess.Limits.MaxDurationMs)*time.Millisecond + s.timeoutBuffer

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("kernel panicked: %v", r)
			}
		}()
		_, err := k.Run(ctx)
		done <- err
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && !s.hasTerminalEvent(sess.ID) {
			s.failSession(sess.ID, fmt.Sprintf("kernel run failed: %v", err))
		}
	case <-timer.C:
		slog.Warn("Session exceeded duration budget, forcing failure",
			"session_id", sess.ID, "deadline", deadline)
		k.Abort()
		// Let the kernel land its own terminal record first; the session
		// gets exactly one.
		<-done
		if !s.hasTerminalEvent(sess.ID) {
			s.failSession(sess.ID, fmt.Sprintf("session exceeded maximum duration of %d ms", sess.Limits.MaxDurationMs))
		}
	}

	s.retire(sess.ID)
}

// hasTerminalEvent reports whether the session's journal already holds a
// terminal record. The kernel's terminate guard covers its in-memory state;
// this covers the journal, which is what clients replay.
func (s *Supervisor) hasTerminalEvent(sessionID string) bool {
	evs, _, err := s.journal.ReadSession(context.Background(), sessionID, 0, 0)
	if err != nil {
		return false
	}
	for _, ev := range evs {
		if journal.IsTerminal(ev.Type) {
			return true
		}
	}
	return false
}

// failSession appends a best-effort session.failed record and broadcasts a
// synthetic failure so live clients see the terminal state even when the
// journal write fails.
func (s *Supervisor) failSession(sessionID, reason string) {
	_, err := s.journal.Emit(context.Background(), sessionID,
		journal.TypeSessionFailed, journal.SessionFailedPayload{Reason: reason})
	if err != nil {
		slog.Error("Failed to journal supervisor failure",
			"session_id", sessionID, "error", err)
	}
	if s.fanout != nil {
		s.fanout.BroadcastAll(map[string]any{
			"type":       journal.TypeSessionFailed,
			"session_id": sessionID,
			"payload":    journal.SessionFailedPayload{Reason: reason},
		})
	}
}

// retire removes the session from the active set and schedules eviction from
// the kernels map after the grace period.
func (s *Supervisor) retire(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
	if s.closed {
		delete(s.kernels, sessionID)
		return
	}
	timer := time.AfterFunc(s.evictionGrace, func() {
		s.mu.Lock()
		delete(s.kernels, sessionID)
		s.mu.Unlock()
	})
	s.timers = append(s.timers, timer)
}

// Kernel returns the kernel for a session while it is still resident.
func (s *Supervisor) Kernel(sessionID string) (*kernel.Kernel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kernels[sessionID]
	return k, ok
}

// IsActive reports whether the session is currently running.
func (s *Supervisor) IsActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// ActiveCount returns the number of running sessions.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// AtCapacity reports whether another session can be admitted, counting
// outstanding reservations.
func (s *Supervisor) AtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)+s.reserved >= s.maxActive
}

// Sessions returns a snapshot of every resident session, newest first.
func (s *Supervisor) Sessions() []*models.Session {
	s.mu.Lock()
	out := make([]*models.Session, 0, len(s.kernels))
	for _, k := range s.kernels {
		if sess := k.Session(); sess != nil {
			out = append(out, sess)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AbortAll flips the abort flag on every resident kernel. Used during
// shutdown; waiting for the runs to drain is Close's job.
func (s *Supervisor) AbortAll() {
	s.mu.Lock()
	kernels := make([]*kernel.Kernel, 0, len(s.kernels))
	for _, k := range s.kernels {
		kernels = append(kernels, k)
	}
	s.mu.Unlock()

	for _, k := range kernels {
		k.Abort()
	}
}

// Close waits for supervised runs to finish and stops eviction timers.
func (s *Supervisor) Close() {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.kernels = make(map[string]*kernel.Kernel)
}
