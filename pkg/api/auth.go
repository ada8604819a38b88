package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// TokenVerifier holds the current API token plus any rotated-out keys still
// inside their grace window. All comparisons are constant-time over
// equal-length buffers; a length mismatch short-circuits.
type TokenVerifier struct {
	grace time.Duration

	mu      sync.Mutex
	current string
	graced  map[string]*time.Timer
}

// NewTokenVerifier creates a verifier for token. An empty token disables
// authentication entirely.
func NewTokenVerifier(token string, grace time.Duration) *TokenVerifier {
	return &TokenVerifier{
		grace:   grace,
		current: token,
		graced:  make(map[string]*time.Timer),
	}
}

// Enabled reports whether authentication is active.
func (v *TokenVerifier) Enabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current != ""
}

// Verify checks candidate against the current key and every key still in its
// grace window.
func (v *TokenVerifier) Verify(candidate string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == "" {
		return true
	}
	if tokensEqual(candidate, v.current) {
		return true
	}
	for old := range v.graced {
		if tokensEqual(candidate, old) {
			return true
		}
	}
	return false
}

// Rotate issues a random UUID as the new key and keeps the old one valid for
// the grace window.
func (v *TokenVerifier) Rotate() (string, time.Time) {
	newKey := uuid.New().String()
	rotatedAt := time.Now().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	old := v.current
	v.current = newKey
	if old != "" {
		// Each rotated key expires on its own timer.
		v.graced[old] = time.AfterFunc(v.grace, func() {
			v.mu.Lock()
			delete(v.graced, old)
			v.mu.Unlock()
		})
	}
	return newKey, rotatedAt
}

// Stop cancels all grace timers. Used during shutdown.
func (v *TokenVerifier) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, timer := range v.graced {
		timer.Stop()
		delete(v.graced, key)
	}
}

// tokensEqual is a constant-time equality check. The length comparison leaks
// only the length, never the content.
func tokensEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireAuth returns middleware enforcing the bearer token on every route
// except /api/health, /docs* and the WebSocket upgrade (which authenticates
// via its token query parameter). On success the raw Authorization header is
// stripped from the request.
func (s *Server) requireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.verifier.Enabled() {
				return next(c)
			}
			path := c.Request().URL.Path
			if path == "/api/health" || path == "/api/ws" || strings.HasPrefix(path, "/docs") {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				s.journalAuthFailure(c, "missing bearer token")
				return apiError(c, http.StatusUnauthorized, "Unauthorized")
			}
			if !s.verifier.Verify(token) {
				s.journalAuthFailure(c, "invalid token")
				return apiError(c, http.StatusUnauthorized, "Unauthorized")
			}

			c.Request().Header.Del("Authorization")
			return next(c)
		}
	}
}

// journalAuthFailure records an auth failure under the _system
// pseudo-session. Best-effort; emit errors are logged by the journal.
func (s *Server) journalAuthFailure(c *echo.Context, reason string) {
	_, _ = s.journal.Emit(context.WithoutCancel(c.Request().Context()),
		journal.SystemSession, journal.TypeAuthFailed, journal.AuthFailedPayload{
			IP:     clientIP(c.Request()),
			Method: c.Request().Method,
			Path:   c.Request().URL.Path,
			Reason: reason,
		})
}

// clientIP extracts the originating address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
