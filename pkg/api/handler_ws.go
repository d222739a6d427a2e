package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
)

const wsWriteTimeout = 10 * time.Second

// ClientFrame is a message received from a streaming client.
type ClientFrame struct {
	Type      string           `json:"type"` // chat, cancel, ping
	Model     string           `json:"model,omitempty"`
	Messages  []models.Message `json:"messages,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	ProjectID string           `json:"project_id,omitempty"`
	TimeoutS  int              `json:"timeout_s,omitempty"`
}

// ServerFrame is a message sent to a streaming client.
type ServerFrame struct {
	Type    string        `json:"type"` // token, tool_call, done, error, pong
	Content string        `json:"content,omitempty"`
	Tool    string        `json:"tool,omitempty"`
	Model   string        `json:"model,omitempty"`
	Usage   *models.Usage `json:"usage,omitempty"`
	CostUSD float64       `json:"cost_usd,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
}

// streamSession is one WebSocket connection. Writes are serialized through
// writeMu; taskMu guards the id of the in-flight pooled task so the
// disconnect path can kill the child.
type streamSession struct {
	server *Server
	conn   *websocket.Conn
	rawKey string

	writeMu sync.Mutex

	taskMu sync.Mutex
	taskID string
	busy   bool
}

// streamHandler handles GET /v1/stream: a WebSocket session carrying
// sequential chat exchanges with token-level streaming. Disconnecting
// mid-chat cancels the running child and refunds the reservation.
func (s *Server) streamHandler(c *echo.Context) error {
	if s.draining.Load() {
		return s.respondError(c, pool.ErrDraining)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The gateway fronts trusted clients; origin policy is the
		// deployment's concern.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.StreamSessions.Inc()
		defer s.metrics.StreamSessions.Dec()
	}

	sess := &streamSession{server: s, conn: conn, rawKey: apiKey(c).Key}
	s.addSession(sess)
	ctx := c.Request().Context()
	defer func() {
		s.removeSession(sess)
		sess.shutdown()
	}()

	sess.readLoop(ctx)
	return nil
}

// readLoop consumes client frames until the connection closes.
func (sess *streamSession) readLoop(ctx context.Context) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.sendError(ctx, invalid("frame", "frame must be valid JSON"))
			continue
		}

		switch frame.Type {
		case "ping":
			sess.send(ctx, &ServerFrame{Type: "pong"})
		case "cancel":
			sess.cancelCurrent()
		case "chat":
			sess.startChat(ctx, &frame)
		default:
			sess.sendError(ctx, invalid("type", "unknown frame type"))
		}
	}
}

// startChat launches one chat exchange. One chat per session at a time;
// concurrent chat frames are rejected without consuming a slot.
func (sess *streamSession) startChat(ctx context.Context, frame *ClientFrame) {
	req := ChatRequest{
		Model:     frame.Model,
		Messages:  frame.Messages,
		MaxTokens: frame.MaxTokens,
		ProjectID: frame.ProjectID,
		TimeoutS:  frame.TimeoutS,
	}
	if err := req.validate(); err != nil {
		sess.sendError(ctx, err)
		return
	}
	if sess.server.draining.Load() {
		sess.sendError(ctx, pool.ErrDraining)
		return
	}

	// Admission runs per chat, not just at accept: a key revoked or
	// rate-limited mid-session stops streaming on the next frame.
	key, err := sess.server.authStore.Admit(ctx, sess.rawKey)
	if err != nil {
		sess.sendError(ctx, err)
		return
	}

	sess.taskMu.Lock()
	if sess.busy {
		sess.taskMu.Unlock()
		sess.sendError(ctx, invalid("type", "a chat is already in progress"))
		return
	}
	sess.busy = true
	sess.taskID = ""
	sess.taskMu.Unlock()

	projectID := projectFor(key, req.ProjectID)

	go func() {
		defer func() {
			sess.taskMu.Lock()
			sess.busy = false
			sess.taskID = ""
			sess.taskMu.Unlock()
		}()

		resp, err := sess.server.runPooled(ctx, projectID, req.Model, flattenMessages(req.Messages), runOpts{
			maxTokens: req.MaxTokens,
			timeout:   sess.server.clampTimeout(req.TimeoutS),
			onEvent:   func(ev models.Event) { sess.forward(ctx, ev) },
			onSubmit: func(taskID string) {
				sess.taskMu.Lock()
				sess.taskID = taskID
				sess.taskMu.Unlock()
			},
		})
		if err != nil {
			_, body := runErrBody(err)
			sess.send(ctx, &ServerFrame{Type: "error", Error: body})
			return
		}

		if sess.server.metrics != nil {
			sess.server.metrics.RequestsTotal.WithLabelValues("stream", resp.Path).Inc()
		}
		sess.send(ctx, &ServerFrame{
			Type:    "done",
			Model:   resp.Model,
			Usage:   &resp.Usage,
			CostUSD: resp.CostUSD,
		})
	}()
}

// forward relays one child event to the client. Result events are elided;
// the done frame carries the settled totals instead.
func (sess *streamSession) forward(ctx context.Context, ev models.Event) {
	switch ev.Type {
	case models.EventToken, models.EventThinking:
		sess.send(ctx, &ServerFrame{Type: "token", Content: ev.Content})
	case models.EventToolCall:
		sess.send(ctx, &ServerFrame{Type: "tool_call", Tool: ev.Tool})
	}
}

// cancelCurrent cancels the in-flight task, if any.
func (sess *streamSession) cancelCurrent() {
	sess.taskMu.Lock()
	id := sess.taskID
	sess.taskMu.Unlock()
	if id != "" {
		_ = sess.server.pool.Cancel(id)
	}
}

// shutdown kills any in-flight child and closes the socket. Runs when the
// read loop exits for any reason, including abrupt disconnects.
func (sess *streamSession) shutdown() {
	sess.cancelCurrent()
	_ = sess.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// goAway closes the session with a going-away status. The read loop then
// unwinds and the deferred shutdown cancels any in-flight child.
func (sess *streamSession) goAway() {
	_ = sess.conn.Close(websocket.StatusGoingAway, "server draining")
}

func (sess *streamSession) send(ctx context.Context, frame *ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal stream frame", "error", err)
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := sess.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.DebugContext(ctx, "Failed to write stream frame", "error", err)
	}
}

func (sess *streamSession) sendError(ctx context.Context, err error) {
	_, body := runErrBody(err)
	sess.send(ctx, &ServerFrame{Type: "error", Error: body})
}
