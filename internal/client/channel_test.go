package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsServer runs serve for every accepted connection and counts them
type wsServer struct {
	*httptest.Server
	conns atomic.Int32
}

func newWSServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(s.conns.Add(1), conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestChannel(t *testing.T, srv *wsServer) *Channel {
	t.Helper()
	c, err := New(srv.URL, &memoryTokens{token: "tok"}, zap.NewNop())
	require.NoError(t, err)
	ch := c.Channel("", ChannelOptions{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxAttempts: 3})
	t.Cleanup(func() { ch.Close() })
	return ch
}

type frameRecorder struct {
	mu           sync.Mutex
	frames       []domain.StreamFrame
	disconnects  int
	disconnected chan struct{}
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{disconnected: make(chan struct{}, 4)}
}

func (r *frameRecorder) handler() Handler {
	return Handler{
		OnFrame: func(f domain.StreamFrame) {
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()
		},
		OnDisconnect: func(error) {
			r.mu.Lock()
			r.disconnects++
			r.mu.Unlock()
			r.disconnected <- struct{}{}
		},
	}
}

func (r *frameRecorder) chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Chunk
	}
	return out
}

func TestChannel_DeliversFramesInOrderAndDropsMalformed(t *testing.T) {
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		var req domain.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "Hel"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "lo"})
		_ = conn.WriteJSON(domain.StreamFrame{IsFinal: true})
		_, _, _ = conn.ReadMessage()
	})
	ch := newTestChannel(t, srv)

	rec := newFrameRecorder()
	ch.Register("chat", rec.handler())

	var statuses []bool
	var mu sync.Mutex
	ch.OnStatus(func(connected bool) {
		mu.Lock()
		statuses = append(statuses, connected)
		mu.Unlock()
	})

	require.NoError(t, ch.Open(context.Background()))
	assert.True(t, ch.Connected())
	require.NoError(t, ch.Open(context.Background()))
	assert.Equal(t, int32(1), srv.conns.Load())

	require.NoError(t, ch.Send(context.Background(), domain.ChatRequest{Message: "hi", Stream: true}))

	require.Eventually(t, func() bool { return len(rec.chunks()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Hel", "lo", ""}, rec.chunks())

	mu.Lock()
	assert.Equal(t, []bool{true}, statuses)
	mu.Unlock()
}

func TestChannel_DeregisteredHandlerStopsReceiving(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "one"})
		<-release
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "two"})
		_, _, _ = conn.ReadMessage()
	})
	ch := newTestChannel(t, srv)

	rec := newFrameRecorder()
	other := newFrameRecorder()
	ch.Register("chat", rec.handler())
	ch.Register("other", other.handler())
	require.NoError(t, ch.Open(context.Background()))

	require.Eventually(t, func() bool { return len(rec.chunks()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ch.Deregister("chat")
	close(release)

	require.Eventually(t, func() bool { return len(other.chunks()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one"}, rec.chunks())
}

func TestChannel_ReconnectsAfterServerDrop(t *testing.T) {
	srv := newWSServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "after"})
		_, _, _ = conn.ReadMessage()
	})
	ch := newTestChannel(t, srv)

	rec := newFrameRecorder()
	ch.Register("chat", rec.handler())
	require.NoError(t, ch.Open(context.Background()))

	select {
	case <-rec.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect observed")
	}

	require.Eventually(t, func() bool { return len(rec.chunks()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ch.Connected())
	assert.Equal(t, int32(2), srv.conns.Load())
}

func TestChannel_CloseStopsReconnecting(t *testing.T) {
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	ch := newTestChannel(t, srv)
	require.NoError(t, ch.Open(context.Background()))
	require.NoError(t, ch.Close())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ch.Connected())
	assert.Equal(t, int32(1), srv.conns.Load())
	assert.ErrorIs(t, ch.Open(context.Background()), ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(context.Background(), "x"), ErrChannelClosed)
}

func TestChannel_SendRequiresConnection(t *testing.T) {
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {})
	ch := newTestChannel(t, srv)
	assert.ErrorIs(t, ch.Send(context.Background(), "x"), ErrNotConnected)
}

func TestChannel_ResetDropsConnectionWithoutReconnecting(t *testing.T) {
	release := make(chan struct{})
	srv := newWSServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.WriteJSON(domain.StreamFrame{Chunk: "before"})
			<-release
			_ = conn.WriteJSON(domain.StreamFrame{Chunk: "stale"})
			_, _, _ = conn.ReadMessage()
			return
		}
		_ = conn.WriteJSON(domain.StreamFrame{Chunk: "fresh"})
		_, _, _ = conn.ReadMessage()
	})
	ch := newTestChannel(t, srv)

	var statuses []bool
	var statusMu sync.Mutex
	ch.OnStatus(func(connected bool) {
		statusMu.Lock()
		statuses = append(statuses, connected)
		statusMu.Unlock()
	})

	rec := newFrameRecorder()
	ch.Register("chat", rec.handler())
	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return len(rec.chunks()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ch.Reset()
	close(release)
	assert.False(t, ch.Connected())
	<-rec.disconnected

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.conns.Load())
	assert.Equal(t, []string{"before"}, rec.chunks())

	require.NoError(t, ch.Open(context.Background()))
	require.Eventually(t, func() bool { return len(rec.chunks()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"before", "fresh"}, rec.chunks())
	assert.Equal(t, int32(2), srv.conns.Load())

	statusMu.Lock()
	assert.Equal(t, []bool{true, false, true}, statuses)
	statusMu.Unlock()
}

func TestChannel_ResetWithoutConnectionIsNoop(t *testing.T) {
	srv := newWSServer(t, func(_ int32, conn *websocket.Conn) {})
	ch := newTestChannel(t, srv)
	ch.Reset()
	assert.False(t, ch.Connected())
	assert.Equal(t, int32(0), srv.conns.Load())
}
