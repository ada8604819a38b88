// Package breaker implements per-tool circuit breaking with category
// defaults and half-open probing. The tool runtime consults it before each
// call; a tripped breaker fails the call with CIRCUIT_BREAKER_OPEN without
// touching the tool.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state machine position.
type State string

// Breaker states.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings are the trip threshold and cooldown for one tool.
type Settings struct {
	Threshold int
	Cooldown  time.Duration
}

// Category defaults: llm 3/60s, shell 3/15s, http 3/30s. Unknown categories
// fall back to the http defaults.
var categoryDefaults = map[string]Settings{
	"llm":   {Threshold: 3, Cooldown: 60 * time.Second},
	"shell": {Threshold: 3, Cooldown: 15 * time.Second},
	"http":  {Threshold: 3, Cooldown: 30 * time.Second},
}

// DefaultsFor returns the category defaults for a tool category.
func DefaultsFor(category string) Settings {
	if s, ok := categoryDefaults[category]; ok {
		return s
	}
	return categoryDefaults["http"]
}

type toolState struct {
	settings  Settings
	state     State
	failures  int
	trippedAt time.Time
}

// Registry tracks one breaker per tool name.
type Registry struct {
	mu    sync.Mutex
	tools map[string]*toolState
	now   func() time.Time
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*toolState), now: time.Now}
}

// Configure sets explicit settings for a tool, overriding category defaults.
func (r *Registry) Configure(tool string, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(tool, "").settings = s
}

// get returns (creating if needed) the state for a tool. Caller holds r.mu.
func (r *Registry) get(tool, category string) *toolState {
	ts, ok := r.tools[tool]
	if !ok {
		ts = &toolState{settings: DefaultsFor(category), state: Closed}
		r.tools[tool] = ts
	}
	return ts
}

// RecordFailure counts a failure against the tool's breaker. Non-retriable
// failures (validation, permission) do not count. At threshold the breaker
// opens and records trippedAt.
func (r *Registry) RecordFailure(tool, category string, retriable bool) {
	if !retriable {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.get(tool, category)

	if ts.state == HalfOpen {
		// Probe failed: back to open with a fresh cooldown.
		ts.state = Open
		ts.trippedAt = r.now()
		return
	}
	ts.failures++
	if ts.failures >= ts.settings.Threshold {
		ts.state = Open
		ts.trippedAt = r.now()
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (r *Registry) RecordSuccess(tool, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.get(tool, category)
	ts.state = Closed
	ts.failures = 0
}

// IsOpen reports whether calls to the tool must be rejected. After the
// cooldown elapses the breaker transitions to half_open and lets exactly the
// next call through as a probe.
func (r *Registry) IsOpen(tool, category string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.get(tool, category)
	if ts.state != Open {
		return false
	}
	if r.now().Sub(ts.trippedAt) >= ts.settings.Cooldown {
		ts.state = HalfOpen
		return false
	}
	return true
}

// StateOf returns the current state for a tool (for health reporting).
func (r *Registry) StateOf(tool string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.tools[tool]; ok {
		return ts.state
	}
	return Closed
}
