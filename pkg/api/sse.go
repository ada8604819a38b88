package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/journal"
)

// MaxSSEReplay is the backfill cap for one stream connection. Excess events
// are summarized by a single replay.truncated frame.
const MaxSSEReplay = 500

// streamSessionHandler handles GET /api/sessions/:id/stream. Clients resume
// with Last-Event-ID or ?after_seq=; the connection is kept alive with
// comment frames and hard-capped at the configured lifetime.
func (s *Server) streamSessionHandler(c *echo.Context) error {
	sessionID, ok := sessionParam(c)
	if !ok {
		return apiError(c, http.StatusBadRequest, "session id must be a UUID")
	}

	afterSeq := int64(-1)
	if v := c.QueryParam("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return apiError(c, http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = n
	} else if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return apiError(c, http.StatusBadRequest, "Last-Event-ID must be a non-negative integer")
		}
		afterSeq = n
	}

	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return apiError(c, http.StatusInternalServerError, "streaming not supported")
	}

	// Register before the replay read so no event emitted in between is
	// lost; duplicates are filtered by sequence number below.
	client, count := s.fanout.AddSSE(sessionID)
	if count > s.cfg.MaxSSEClientsPerSession {
		s.fanout.RemoveSSE(client)
		return apiError(c, http.StatusTooManyRequests, "too many streams for this session")
	}
	defer s.fanout.RemoveSSE(client)

	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	var lastSent int64
	if afterSeq >= 0 {
		evs, _, err := s.journal.ReadSession(c.Request().Context(), sessionID, afterSeq+1, 0)
		if err != nil {
			return err
		}
		replay := evs
		if len(replay) > MaxSSEReplay {
			replay = replay[:MaxSSEReplay]
		}
		for _, ev := range replay {
			if err := writeSSEEvent(res, ev); err != nil {
				return nil
			}
			lastSent = ev.Seq
		}
		if len(evs) > MaxSSEReplay {
			frame, _ := json.Marshal(map[string]any{
				"type":      "replay.truncated",
				"remaining": len(evs) - MaxSSEReplay,
			})
			if _, err := fmt.Fprintf(res, "data: %s\n\n", frame); err != nil {
				return nil
			}
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(s.cfg.SSEKeepalive)
	defer keepalive.Stop()
	lifetime := time.NewTimer(s.cfg.SSELifetime)
	defer lifetime.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case ev := <-client.Events:
			if ev.Seq <= lastSent {
				continue
			}
			if err := writeSSEEvent(res, ev); err != nil {
				return nil
			}
			lastSent = ev.Seq
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(res, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case <-client.Done:
			return nil
		case <-lifetime.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// writeSSEEvent writes one event frame with its sequence number as the SSE id.
func writeSSEEvent(w io.Writer, ev journal.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	return err
}
