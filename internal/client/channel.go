package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/liliang-cn/medichat/internal/domain"
	"go.uber.org/zap"
)

// ErrChannelClosed is returned by operations on a closed channel
var ErrChannelClosed = errors.New("channel closed")

// ErrNotConnected is returned by Send when no connection is open
var ErrNotConnected = errors.New("channel not connected")

// ErrConnectionReset is passed to handlers when Reset drops the connection
var ErrConnectionReset = errors.New("connection reset")

// ChannelOptions configures reconnection
type ChannelOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	DialTimeout     time.Duration
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	return o
}

// Handler receives the frames of the channel. OnDisconnect is called once
// per lost connection with the read error.
type Handler struct {
	OnFrame      func(domain.StreamFrame)
	OnDisconnect func(error)
}

// Channel is a long-lived bidirectional message channel over a WebSocket.
// Frames are decoded and dispatched to every registered handler in arrival
// order from a single read goroutine.
type Channel struct {
	url    string
	header func() http.Header
	opts   ChannelOptions
	logger *zap.Logger

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string]Handler
	listeners []func(bool)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newChannel(url string, header func() http.Header, opts ChannelOptions, logger *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		url:      url,
		header:   header,
		opts:     opts.withDefaults(),
		logger:   logger,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// URL returns the WebSocket URL of the channel
func (ch *Channel) URL() string {
	return ch.url
}

// Connected reports whether a connection is currently open
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// OnStatus adds a listener called with the new status on every connect and
// disconnect
func (ch *Channel) OnStatus(fn func(connected bool)) {
	ch.mu.Lock()
	ch.listeners = append(ch.listeners, fn)
	ch.mu.Unlock()
}

// Register installs h under name, replacing any handler of that name
func (ch *Channel) Register(name string, h Handler) {
	ch.mu.Lock()
	ch.handlers[name] = h
	ch.mu.Unlock()
}

// Deregister removes the handler registered under name
func (ch *Channel) Deregister(name string) {
	ch.mu.Lock()
	delete(ch.handlers, name)
	ch.mu.Unlock()
}

// Open connects the channel if it is not connected yet and returns once the
// connection is ready
func (ch *Channel) Open(ctx context.Context) error {
	ch.dialMu.Lock()
	defer ch.dialMu.Unlock()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	if ch.conn != nil {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	return ch.dial(ctx)
}

// dial must be called with dialMu held
func (ch *Channel) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: ch.opts.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, ch.url, ch.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", ch.url, err)
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	ch.conn = conn
	listeners := append([]func(bool){}, ch.listeners...)
	ch.mu.Unlock()

	ch.logger.Debug("Channel connected", zap.String("url", ch.url))
	notify(listeners, true)

	go ch.readLoop(conn)
	return nil
}

// Send writes v as one JSON frame
func (ch *Channel) Send(ctx context.Context, v any) error {
	ch.mu.Lock()
	conn := ch.conn
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	return conn.WriteJSON(v)
}

// Close closes the connection and stops reconnecting
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	conn := ch.conn
	ch.mu.Unlock()

	ch.cancel()
	if conn == nil {
		return nil
	}

	ch.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()
	return conn.Close()
}

// Reset drops the current connection without closing the channel. Frames
// still in flight on it are discarded, no reconnect is attempted and the
// next Open dials a fresh connection.
func (ch *Channel) Reset() {
	ch.dialMu.Lock()
	defer ch.dialMu.Unlock()

	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil || !ch.detach(conn, ErrConnectionReset) {
		return
	}

	ch.logger.Debug("Channel reset", zap.String("url", ch.url))
	ch.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	ch.writeMu.Unlock()
	conn.Close()
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ch.handleDisconnect(conn, err)
			return
		}

		var frame domain.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			ch.logger.Warn("Dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}

		for _, h := range ch.handlersFor(conn) {
			if h.OnFrame != nil {
				h.OnFrame(frame)
			}
		}
	}
}

// handlersFor returns the handlers while conn is the current connection and
// nil once it was replaced or dropped
func (ch *Channel) handlersFor(conn *websocket.Conn) []Handler {
	ch.mu.Lock()
	current := ch.conn == conn
	ch.mu.Unlock()
	if !current {
		return nil
	}
	return ch.snapshot()
}

func (ch *Channel) snapshot() []Handler {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	hs := make([]Handler, 0, len(ch.handlers))
	for _, h := range ch.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (ch *Channel) handleDisconnect(conn *websocket.Conn, cause error) {
	if !ch.detach(conn, cause) {
		return
	}
	conn.Close()

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return
	}
	ch.logger.Warn("Channel disconnected, reconnecting", zap.Error(cause))
	go ch.reconnect()
}

// detach clears conn if it is still the current connection and tells the
// listeners and handlers. It reports whether conn was current.
func (ch *Channel) detach(conn *websocket.Conn, cause error) bool {
	ch.mu.Lock()
	if ch.conn != conn {
		ch.mu.Unlock()
		return false
	}
	ch.conn = nil
	listeners := append([]func(bool){}, ch.listeners...)
	ch.mu.Unlock()

	notify(listeners, false)
	for _, h := range ch.snapshot() {
		if h.OnDisconnect != nil {
			h.OnDisconnect(cause)
		}
	}
	return true
}

func (ch *Channel) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ch.opts.InitialInterval
	b.MaxInterval = ch.opts.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ch.dialMu.Lock()
		defer ch.dialMu.Unlock()

		ch.mu.Lock()
		closed, connected := ch.closed, ch.conn != nil
		ch.mu.Unlock()
		if closed {
			return backoff.Permanent(ErrChannelClosed)
		}
		if connected {
			return nil
		}

		if err := ch.dial(ch.ctx); err != nil {
			ch.logger.Debug("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(ch.opts.MaxAttempts-1)), ch.ctx))

	if err != nil && !errors.Is(err, ErrChannelClosed) && !errors.Is(err, context.Canceled) {
		ch.logger.Error("Giving up reconnecting", zap.Int("attempts", attempt), zap.Error(err))
	}
}

func notify(listeners []func(bool), connected bool) {
	for _, fn := range listeners {
		fn(connected)
	}
}
