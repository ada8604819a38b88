package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/karnevil9/karnevil9/pkg/models"
)

const (
	// wsMessageCap is the per-message byte limit. Oversized messages get an
	// error frame; the socket stays open.
	wsMessageCap = 64 * 1024

	// wsReadLimit is the transport-level ceiling; beyond it the library
	// closes the connection outright.
	wsReadLimit = 1 << 20

	// wsWriteTimeout bounds one send to a client.
	wsWriteTimeout = 10 * time.Second
)

// wsClientMessage is the union of all client message shapes.
type wsClientMessage struct {
	Type        string               `json:"type"`
	Text        string               `json:"text,omitempty"`
	Mode        models.ExecutionMode `json:"mode,omitempty"`
	SessionID   string               `json:"session_id,omitempty"`
	RequestID   string               `json:"request_id,omitempty"`
	Decision    models.Decision      `json:"decision,omitempty"`
	Constraints map[string]any       `json:"constraints,omitempty"`
	Alternative string               `json:"alternative,omitempty"`
}

// wsConn is one gateway connection. It implements events.WSSink; the
// subscription set is mutated only by this connection's read loop and read
// by the fan-out, so it is mutex-protected.
type wsConn struct {
	id   string
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  map[string]struct{}

	writeMu sync.Mutex
}

// SubscribedTo implements events.WSSink.
func (w *wsConn) SubscribedTo(sessionID string) bool {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	_, ok := w.subs[sessionID]
	return ok
}

// Send implements events.WSSink. Serializes and writes one message under a
// per-connection write lock; a stuck peer costs at most the write timeout.
func (w *wsConn) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal WebSocket message", "connection_id", w.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send to WebSocket client", "connection_id", w.id, "error", err)
	}
}

func (w *wsConn) subscribe(sessionID string) {
	w.subMu.Lock()
	w.subs[sessionID] = struct{}{}
	w.subMu.Unlock()
}

func (w *wsConn) sendError(message string) {
	w.Send(map[string]string{"type": "error", "message": message})
}

// wsHandler upgrades GET /api/ws. When auth is enabled the token arrives as
// a query parameter and is compared constant-time.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.verifier.Enabled() && !s.verifier.Verify(c.QueryParam("token")) {
		s.journalAuthFailure(c, "invalid websocket token")
		return apiError(c, http.StatusUnauthorized, "Unauthorized")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.handleWSConnection(c.Request().Context(), conn)
	return nil
}

// handleWSConnection runs the read loop until the socket closes.
func (s *Server) handleWSConnection(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	w := &wsConn{
		id:   uuid.New().String(),
		conn: conn,
		subs: make(map[string]struct{}),
	}

	s.fanout.AddWS(w)
	defer func() {
		s.fanout.RemoveWS(w)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	w.Send(map[string]string{
		"type":          "connection.established",
		"connection_id": w.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if len(data) > wsMessageCap {
			w.sendError("message exceeds 64 KiB limit")
			continue
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.sendError("invalid JSON")
			continue
		}
		s.handleWSMessage(ctx, w, &msg)
	}
}

// handleWSMessage dispatches one client message.
func (s *Server) handleWSMessage(ctx context.Context, w *wsConn, msg *wsClientMessage) {
	switch msg.Type {
	case "submit":
		sess, err := s.startSession(ctx, CreateSessionRequest{
			Text: msg.Text,
			Mode: msg.Mode,
		})
		if err != nil {
			w.sendError(err.Error())
			return
		}
		w.subscribe(sess.ID)
		w.Send(map[string]any{
			"type":    "session.created",
			"session": sess,
		})
		// Replay the just-journaled creation record so the client's event
		// trail starts at seq one.
		if evs, _, err := s.journal.ReadSession(ctx, sess.ID, 0, 1); err == nil && len(evs) == 1 {
			w.Send(map[string]any{
				"type":       "event",
				"session_id": sess.ID,
				"event":      evs[0],
			})
		}

	case "abort":
		k, ok := s.supervisor.Kernel(msg.SessionID)
		if !ok {
			w.sendError("session not found")
			return
		}
		k.Abort()
		w.Send(map[string]string{
			"type":       "abort.requested",
			"session_id": msg.SessionID,
		})

	case "approve":
		if !models.ValidDecision(msg.Decision) {
			w.sendError("invalid decision")
			return
		}
		err := s.approvals.Resolve(msg.RequestID, models.ApprovalResolution{
			Decision:    msg.Decision,
			Constraints: msg.Constraints,
			Alternative: msg.Alternative,
		})
		if err != nil {
			w.sendError(err.Error())
			return
		}

	case "ping":
		w.Send(map[string]string{"type": "pong"})

	default:
		w.sendError("unknown message type")
	}
}
