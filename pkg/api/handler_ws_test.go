package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
)

func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.server.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?api_key=" + env.key.Key
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestStreamChatSession(t *testing.T) {
	env := newTestEnv(t, okRunner(), nil)
	conn := dialStream(t, env)

	sendFrame(t, conn, ClientFrame{
		Type:     "chat",
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})

	sawToken := false
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case "token":
			sawToken = true
		case "done":
			require.NotNil(t, frame.Usage)
			assert.Equal(t, 20, frame.Usage.OutputTokens)
			assert.Positive(t, frame.CostUSD)
			assert.True(t, sawToken, "token frames must precede done")
			assert.Zero(t, env.ledger.OutstandingCount())
			return
		case "error":
			t.Fatalf("unexpected error frame: %+v", frame.Error)
		}
	}
}

func TestStreamPingAndUnknownFrame(t *testing.T) {
	env := newTestEnv(t, okRunner(), nil)
	conn := dialStream(t, env)

	sendFrame(t, conn, ClientFrame{Type: "ping"})
	assert.Equal(t, "pong", readFrame(t, conn).Type)

	sendFrame(t, conn, ClientFrame{Type: "subscribe"})
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	assert.Equal(t, models.ErrInvalidRequest, frame.Error.Type)
}

func TestStreamRejectsConcurrentChats(t *testing.T) {
	block := make(chan struct{})
	runner := &countingRunner{fn: func(ctx context.Context, req *pool.Request) (*pool.Result, error) {
		if req.OnEvent != nil {
			req.OnEvent(models.Event{Type: models.EventToken, Content: "x"})
		}
		select {
		case <-block:
			return &pool.Result{Text: "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	env := newTestEnv(t, runner, nil)
	defer close(block)

	conn := dialStream(t, env)
	chat := ClientFrame{
		Type:     "chat",
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "first"}},
	}
	sendFrame(t, conn, chat)
	require.Equal(t, "token", readFrame(t, conn).Type)

	sendFrame(t, conn, chat)
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	assert.Equal(t, models.ErrInvalidRequest, frame.Error.Type)
}

func TestStreamDisconnectCancelsChild(t *testing.T) {
	childCancelled := make(chan struct{})
	runner := &countingRunner{fn: func(ctx context.Context, req *pool.Request) (*pool.Result, error) {
		if req.OnEvent != nil {
			req.OnEvent(models.Event{Type: models.EventToken, Content: "partial"})
		}
		select {
		case <-ctx.Done():
			close(childCancelled)
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &pool.Result{Text: "too late"}, nil
		}
	}}
	env := newTestEnv(t, runner, nil)

	conn := dialStream(t, env)
	sendFrame(t, conn, ClientFrame{
		Type:     "chat",
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "stream me"}},
	})
	require.Equal(t, "token", readFrame(t, conn).Type)

	// Abrupt disconnect mid-generation.
	require.NoError(t, conn.CloseNow())

	select {
	case <-childCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("child was not cancelled after disconnect")
	}

	// The reservation settles by refund once the cancelled outcome lands.
	require.Eventually(t, func() bool {
		return env.ledger.OutstandingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamDrainClosesSessions(t *testing.T) {
	env := newTestEnv(t, okRunner(), nil)
	conn := dialStream(t, env)

	sendFrame(t, conn, ClientFrame{Type: "ping"})
	require.Equal(t, "pong", readFrame(t, conn).Type)

	// Draining must reach hijacked connections, which http.Server.Shutdown
	// does not touch.
	env.server.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestStreamRevokedKeyStopsChatting(t *testing.T) {
	runner := okRunner()
	env := newTestEnv(t, runner, nil)
	conn := dialStream(t, env)

	chat := ClientFrame{
		Type:     "chat",
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	}
	sendFrame(t, conn, chat)
	for readFrame(t, conn).Type != "done" {
	}

	require.NoError(t, env.auth.Revoke(context.Background(), env.key.Key))

	// The open socket no longer shields a revoked key; the next chat frame
	// is re-admitted and refused.
	sendFrame(t, conn, chat)
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	assert.Equal(t, models.ErrAuthRevoked, frame.Error.Type)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestStreamCancelFrame(t *testing.T) {
	runner := &countingRunner{fn: func(ctx context.Context, req *pool.Request) (*pool.Result, error) {
		if req.OnEvent != nil {
			req.OnEvent(models.Event{Type: models.EventToken, Content: "x"})
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	env := newTestEnv(t, runner, nil)

	conn := dialStream(t, env)
	sendFrame(t, conn, ClientFrame{
		Type:     "chat",
		Model:    "sonnet",
		Messages: []models.Message{{Role: "user", Content: "long task"}},
	})
	require.Equal(t, "token", readFrame(t, conn).Type)

	sendFrame(t, conn, ClientFrame{Type: "cancel"})

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	assert.Equal(t, models.ErrCancelled, frame.Error.Type)
}
