package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			return next(c)
		}
	}
}

// rateLimit returns middleware applying the sliding-window limiter per client
// IP. Every response carries the X-RateLimit-* headers; rejections add
// Retry-After and are journaled under _system. /api/health is exempt.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if c.Request().URL.Path == "/api/health" {
				return next(c)
			}

			ip := clientIP(c.Request())
			verdict := s.limiter.Check(ip)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimitMax))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(verdict.ResetAt.Unix(), 10))

			if !verdict.Allowed {
				retryAfter := int(time.Until(verdict.ResetAt).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				_, _ = s.journal.Emit(context.WithoutCancel(c.Request().Context()),
					journal.SystemSession, journal.TypeAuthRateLimited, journal.AuthRateLimitedPayload{
						IP:   ip,
						Path: c.Request().URL.Path,
					})
				return apiError(c, http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
