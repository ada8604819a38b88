// Package config holds the server and kernel configuration. A single rich
// Config struct replaces the source's dual construction paths; the legacy
// two-argument form survives as a named preset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/karnevil9/karnevil9/pkg/models"
)

// Config assembles the control-plane server.
type Config struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string

	// APIToken is the shared bearer secret. Empty means insecure mode,
	// which must be opted into explicitly.
	APIToken string

	// AllowInsecure permits running without an APIToken. Without it an
	// empty token fails validation.
	AllowInsecure bool

	// DataDir holds the LevelDB journal and active-memory stores. Empty
	// means in-memory journal and no active memory (mock/test servers).
	DataDir string

	// Production suppresses stack traces and error detail in responses
	// and switches logs to JSON.
	Production bool

	// Admission caps.
	MaxConcurrentSessions   int
	MaxSSEClientsPerSession int

	// MaxLimits are the server maxima client limits are clamped to.
	MaxLimits models.Limits

	// DefaultLimits apply when the client supplies none.
	DefaultLimits models.Limits

	// DefaultPolicy is the server-controlled policy; client input never
	// overrides it.
	DefaultPolicy models.Policy

	// Agentic enables the replan loop for submitted sessions.
	Agentic bool

	// Rate limiting (per client IP).
	RateLimitMax    int
	RateLimitWindow time.Duration
	RateLimitPrune  time.Duration

	// Planner call policy.
	PlannerRetries int
	PlannerTimeout time.Duration

	// ApprovalTimeout is the auto-deny deadline for pending approvals.
	ApprovalTimeout time.Duration

	// Streaming.
	SSEKeepalive   time.Duration
	SSELifetime    time.Duration
	MaxReplay      int
	MaxJournalPage int

	// Lifecycle.
	SessionTimeoutBuffer time.Duration
	KernelEvictionGrace  time.Duration

	// KeyRotationGrace keeps rotated API keys valid for this long.
	KeyRotationGrace time.Duration

	// Pricing for planners/tools that report tokens without cost.
	Pricing models.Pricing
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		ListenAddr:              ":8080",
		MaxConcurrentSessions:   8,
		MaxSSEClientsPerSession: 8,
		MaxLimits: models.Limits{
			MaxSteps:      100,
			MaxDurationMs: 30 * 60 * 1000,
			MaxCostUSD:    25,
			MaxTokens:     2_000_000,
			MaxIterations: 20,
		},
		DefaultLimits: models.Limits{
			MaxSteps:      25,
			MaxDurationMs: 10 * 60 * 1000,
			MaxCostUSD:    5,
			MaxTokens:     500_000,
			MaxIterations: 10,
		},
		Agentic:              true,
		RateLimitMax:         60,
		RateLimitWindow:      time.Minute,
		RateLimitPrune:       60 * time.Second,
		PlannerRetries:       2,
		PlannerTimeout:       120 * time.Second,
		ApprovalTimeout:      300 * time.Second,
		SSEKeepalive:         15 * time.Second,
		SSELifetime:          30 * time.Minute,
		MaxReplay:            1000,
		MaxJournalPage:       500,
		SessionTimeoutBuffer: 30 * time.Second,
		KernelEvictionGrace:  60 * time.Second,
		KeyRotationGrace:     5 * time.Minute,
	}
}

// LegacyPreset mirrors the source's two-argument constructor: a port and a
// token, defaults for everything else. An empty token opts into insecure
// mode, matching the legacy behavior.
func LegacyPreset(port int, apiToken string) Config {
	cfg := Default()
	cfg.ListenAddr = fmt.Sprintf(":%d", port)
	cfg.APIToken = apiToken
	cfg.AllowInsecure = apiToken == ""
	return cfg
}

// FromEnv applies environment overrides to the default config.
//
//	KARNEVIL_ADDR        listen address
//	KARNEVIL_API_TOKEN   bearer secret
//	KARNEVIL_DATA_DIR    journal/memory directory
//	KARNEVIL_ENV         "production" enables production mode
//	KARNEVIL_MAX_SESSIONS concurrent session cap
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("KARNEVIL_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("KARNEVIL_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("KARNEVIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if os.Getenv("KARNEVIL_ENV") == "production" {
		cfg.Production = true
	}
	if v := os.Getenv("KARNEVIL_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentSessions = n
		}
	}
	return cfg
}

// Validate rejects configurations the server cannot safely run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.APIToken == "" && !c.AllowInsecure {
		return fmt.Errorf("api token is required unless insecure mode is explicitly allowed")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max concurrent sessions must be positive")
	}
	if c.MaxSSEClientsPerSession <= 0 {
		return fmt.Errorf("max SSE clients per session must be positive")
	}
	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit max and window must be positive")
	}
	return nil
}

// Insecure reports whether the server runs without authentication.
func (c *Config) Insecure() bool {
	return c.APIToken == ""
}
