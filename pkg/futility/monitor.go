// Package futility detects agentic loops that burn budget without getting
// anywhere: the same error over and over, no new successes across
// iterations, the planner re-proposing an identical plan, or cost growth
// with zero progress.
package futility

import (
	"fmt"
	"sync"
)

// Config bounds how much repetition the monitor tolerates before declaring
// futility. Zero values disable the corresponding check.
type Config struct {
	MaxRepeatedErrors      int
	MaxStagnantIterations  int
	MaxIdenticalPlans      int
	MaxCostWithoutProgress float64
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRepeatedErrors:      3,
		MaxStagnantIterations:  3,
		MaxIdenticalPlans:      2,
		MaxCostWithoutProgress: 1.0,
	}
}

// Monitor accumulates per-iteration observations. All methods are
// goroutine-safe, though the kernel drives it from one goroutine.
type Monitor struct {
	cfg Config

	mu                 sync.Mutex
	lastErrorCode      string
	repeatedErrors     int
	baselineSuccesses  int
	stagnantIterations int
	lastFingerprint    string
	identicalPlans     int
	costAtProgress     float64
}

// NewMonitor creates a monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// ObserveError records the error code of a failed step. Consecutive repeats
// of the same code count toward MaxRepeatedErrors; a different code resets
// the streak.
func (m *Monitor) ObserveError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == m.lastErrorCode {
		m.repeatedErrors++
	} else {
		m.lastErrorCode = code
		m.repeatedErrors = 1
	}
}

// ObservePlan records an accepted plan's fingerprint.
func (m *Monitor) ObservePlan(fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fingerprint == m.lastFingerprint {
		m.identicalPlans++
	} else {
		m.lastFingerprint = fingerprint
		m.identicalPlans = 1
	}
}

// Check evaluates all futility conditions at the end of an iteration, given
// the session's current success count and accumulated cost. It returns a
// non-empty reason when the session should stop.
func (m *Monitor) Check(successCount int, costUSD float64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxRepeatedErrors > 0 && m.repeatedErrors >= m.cfg.MaxRepeatedErrors {
		return fmt.Sprintf("same error %q repeated %d times", m.lastErrorCode, m.repeatedErrors)
	}

	if successCount > m.baselineSuccesses {
		m.baselineSuccesses = successCount
		m.stagnantIterations = 0
		m.costAtProgress = costUSD
	} else {
		m.stagnantIterations++
	}
	if m.cfg.MaxStagnantIterations > 0 && m.stagnantIterations >= m.cfg.MaxStagnantIterations {
		return fmt.Sprintf("no new successful steps for %d iterations", m.stagnantIterations)
	}

	if m.cfg.MaxIdenticalPlans > 0 && m.identicalPlans >= m.cfg.MaxIdenticalPlans {
		return fmt.Sprintf("identical plan accepted %d times", m.identicalPlans)
	}

	if m.cfg.MaxCostWithoutProgress > 0 && costUSD-m.costAtProgress >= m.cfg.MaxCostWithoutProgress {
		return fmt.Sprintf("cost grew $%.2f with no new successful step", costUSD-m.costAtProgress)
	}
	return ""
}
