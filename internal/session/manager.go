// Package session drives chat exchanges for one open conversation and keeps
// its ordered message list consistent across the buffered and streaming
// transports.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/medichat/internal/client"
	"github.com/liliang-cn/medichat/internal/domain"
	"go.uber.org/zap"
)

// ChannelName is the handler name exchanges register on the channel under
const ChannelName = "chat"

// ErrorMessage replaces the assistant answer when an exchange fails before
// any content arrived
const ErrorMessage = "Sorry, an error occurred while processing your message. Please try again."

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("session closed")

// Transport is the buffered request/response side of the API client
type Transport interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string, out any) error
}

// Channel is the incremental side of the API client
type Channel interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, v any) error
	Register(name string, h client.Handler)
	Deregister(name string)
	OnStatus(fn func(connected bool))
	Connected() bool
	Reset()
	Close() error
}

// SendOptions are the per-message generation settings
type SendOptions struct {
	StreamMode  bool
	Temperature float64
	MaxTokens   int
}

// OptionsFromSettings builds send options from the user settings
func OptionsFromSettings(s domain.Settings) SendOptions {
	return SendOptions{StreamMode: s.StreamMode, Temperature: s.Temperature, MaxTokens: s.MaxTokens}
}

type exchange struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error

	// registered is set once the exchange listens on the channel
	registered bool
}

func (ex *exchange) finish(err error) {
	select {
	case ex.done <- err:
	default:
	}
}

// Manager runs at most one exchange at a time for the session
type Manager struct {
	transport Transport
	channel   Channel
	logger    *zap.Logger

	mu       sync.Mutex
	st       store
	exchange *exchange
	closed   bool
	pending  []Event

	emitMu      sync.Mutex
	subscribers []func(Event)
}

// NewManager creates a session manager that owns channel
func NewManager(transport Transport, channel Channel, logger *zap.Logger) *Manager {
	m := &Manager{
		transport: transport,
		channel:   channel,
		logger:    logger,
	}
	m.st.connected = channel.Connected()
	channel.OnStatus(m.setConnected)
	return m
}

// Subscribe adds fn to the event subscribers. Events are delivered one at a
// time in order; fn may call the read methods but must not call Send,
// LoadConversation, ClearConversation or Close.
func (m *Manager) Subscribe(fn func(Event)) {
	m.emitMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.emitMu.Unlock()
}

// Messages returns a copy of the message list
func (m *Manager) Messages() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot()
}

// ConversationID returns the active conversation identifier, "" for a new chat
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.conversationID
}

// State returns the current exchange state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.state
}

// Connected reports the last known channel status
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.connected
}

// Send submits content and blocks until the assistant answer is complete
// or the exchange failed. The user message is appended before any network
// activity; exactly one assistant message follows it.
func (m *Manager) Send(ctx context.Context, content string, opts SendOptions) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ErrEmptyMessage
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.exchange != nil {
		m.mu.Unlock()
		return domain.ErrExchangeInFlight
	}

	exCtx, cancel := context.WithCancel(ctx)
	ex := &exchange{id: uuid.New().String(), ctx: exCtx, cancel: cancel, done: make(chan error, 1)}
	m.exchange = ex
	m.st.state = State{Phase: Idle}

	userMsg := m.st.append(domain.Message{
		ID:        uuid.New().String(),
		Role:      domain.RoleUser,
		Content:   content,
		Status:    domain.MessageComplete,
		Timestamp: time.Now(),
	})

	req := domain.ChatRequest{
		Message:        content,
		ConversationID: m.st.conversationID,
		Stream:         opts.StreamMode,
		Temperature:    &opts.Temperature,
		MaxTokens:      &opts.MaxTokens,
	}
	m.unlockAndEmit(Event{Type: MessageAppended, Message: userMsg})

	defer cancel()
	if !opts.StreamMode {
		return m.sendBuffered(ex, req)
	}
	return m.sendStreaming(ex, req)
}

func (m *Manager) sendBuffered(ex *exchange, req domain.ChatRequest) error {
	var resp domain.ChatResponse
	err := m.transport.Post(ex.ctx, "/chat/message", req, &resp)

	m.mu.Lock()
	if m.exchange != ex {
		m.mu.Unlock()
		return context.Canceled
	}
	m.exchange = nil

	if err != nil {
		m.logger.Error("Chat request failed", zap.Error(err))
		msg := m.st.append(domain.Message{
			ID:        ex.id,
			Role:      domain.RoleAssistant,
			Content:   ErrorMessage,
			Status:    domain.MessageFailed,
			Timestamp: time.Now(),
		})
		m.st.state = State{Phase: Failed, Reason: err.Error()}
		m.unlockAndEmit(
			Event{Type: MessageAppended, Message: msg},
			Event{Type: ExchangeFailed, Message: msg, Err: err},
		)
		return err
	}

	if m.st.conversationID == "" {
		m.st.conversationID = resp.ConversationID
	}
	msg := m.st.append(domain.Message{
		ID:        ex.id,
		Role:      domain.RoleAssistant,
		Content:   resp.Response,
		Sources:   resp.Sources,
		Status:    domain.MessageComplete,
		Timestamp: time.Now(),
	})
	m.st.state = State{Phase: Idle}
	m.unlockAndEmit(
		Event{Type: MessageAppended, Message: msg},
		Event{Type: ExchangeFinished, Message: msg},
	)
	return nil
}

func (m *Manager) sendStreaming(ex *exchange, req domain.ChatRequest) error {
	m.mu.Lock()
	if !m.channel.Connected() {
		m.st.state = State{Phase: AwaitingConnection}
	}
	m.mu.Unlock()

	if err := m.channel.Open(ex.ctx); err != nil {
		return m.failBeforeStream(ex, err)
	}

	m.mu.Lock()
	if m.exchange != ex || ex.ctx.Err() != nil {
		m.mu.Unlock()
		return m.canceled(ex)
	}
	placeholder := m.st.append(domain.Message{
		ID:        ex.id,
		Role:      domain.RoleAssistant,
		Status:    domain.MessageStreaming,
		Timestamp: time.Now(),
	})
	m.st.state = State{Phase: Streaming, ExchangeID: ex.id}
	ex.registered = true
	m.channel.Register(ChannelName, client.Handler{
		OnFrame:      func(f domain.StreamFrame) { m.onFrame(ex, f) },
		OnDisconnect: func(err error) { m.onDisconnect(ex, err) },
	})
	m.unlockAndEmit(Event{Type: MessageAppended, Message: placeholder})

	if err := m.channel.Send(ex.ctx, req); err != nil {
		m.mu.Lock()
		if m.exchange != ex {
			m.mu.Unlock()
			return m.canceled(ex)
		}
		m.failStreamLocked(ex, err)
		return err
	}

	select {
	case err := <-ex.done:
		return err
	case <-ex.ctx.Done():
	}

	select {
	case err := <-ex.done:
		return err
	default:
	}
	m.mu.Lock()
	if m.exchange == ex {
		m.failStreamLocked(ex, ex.ctx.Err())
		m.channel.Reset()
		return ex.ctx.Err()
	}
	m.mu.Unlock()
	return m.canceled(ex)
}

// failBeforeStream records a failure that happened before the placeholder
// was appended
func (m *Manager) failBeforeStream(ex *exchange, err error) error {
	m.mu.Lock()
	if m.exchange != ex {
		m.mu.Unlock()
		return m.canceled(ex)
	}
	m.exchange = nil

	m.logger.Error("Could not open chat channel", zap.Error(err))
	msg := m.st.append(domain.Message{
		ID:        ex.id,
		Role:      domain.RoleAssistant,
		Content:   ErrorMessage,
		Status:    domain.MessageFailed,
		Timestamp: time.Now(),
	})
	m.st.state = State{Phase: Failed, Reason: err.Error()}
	m.unlockAndEmit(
		Event{Type: MessageAppended, Message: msg},
		Event{Type: ExchangeFailed, Message: msg, Err: err},
	)
	return err
}

func (m *Manager) canceled(ex *exchange) error {
	if err := ex.ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func (m *Manager) onFrame(ex *exchange, f domain.StreamFrame) {
	m.mu.Lock()
	if m.exchange != ex || ex.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}

	if f.Error != "" {
		m.failStreamLocked(ex, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, f.Error))
		return
	}

	idx := m.st.indexOf(ex.id)
	if idx < 0 {
		m.mu.Unlock()
		return
	}

	if f.ConversationID != "" {
		m.st.conversationID = f.ConversationID
	}

	msg := &m.st.messages[idx]
	msg.Content += f.Chunk
	var events []Event
	if f.Chunk != "" {
		events = append(events, Event{Type: ChunkAppended, Message: *msg, Chunk: f.Chunk})
	}

	if !f.IsFinal {
		m.st.state = State{Phase: Streaming, ExchangeID: ex.id, Partial: msg.Content}
		m.unlockAndEmit(events...)
		return
	}

	m.st.state = State{Phase: Finalizing, ExchangeID: ex.id, Partial: msg.Content}
	if len(f.Sources) > 0 {
		msg.Sources = f.Sources
	}
	msg.Status = domain.MessageComplete
	m.channel.Deregister(ChannelName)
	m.exchange = nil
	m.st.state = State{Phase: Idle}

	events = append(events, Event{Type: ExchangeFinished, Message: *msg})
	m.unlockAndEmit(events...)
	ex.finish(nil)
}

func (m *Manager) onDisconnect(ex *exchange, cause error) {
	m.mu.Lock()
	if m.exchange != ex {
		m.mu.Unlock()
		return
	}
	m.failStreamLocked(ex, fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, cause))
}

// failStreamLocked ends the streaming exchange with err. The placeholder
// keeps the content received so far and is marked failed. It must be called
// with mu held and releases it.
func (m *Manager) failStreamLocked(ex *exchange, err error) {
	m.channel.Deregister(ChannelName)
	m.exchange = nil
	m.st.state = State{Phase: Failed, Reason: err.Error()}

	var events []Event
	if idx := m.st.indexOf(ex.id); idx >= 0 {
		msg := &m.st.messages[idx]
		msg.Status = domain.MessageFailed
		events = append(events, Event{Type: ExchangeFailed, Message: *msg, Err: err})
	}

	m.logger.Warn("Chat stream ended without final frame", zap.String("exchange_id", ex.id), zap.Error(err))
	m.unlockAndEmit(events...)
	ex.finish(err)
}

// abortLocked cancels the in-flight exchange, if any, without touching the
// message list. It reports whether the exchange was listening on the channel.
func (m *Manager) abortLocked() bool {
	ex := m.exchange
	if ex == nil {
		return false
	}
	m.channel.Deregister(ChannelName)
	m.exchange = nil
	if idx := m.st.indexOf(ex.id); idx >= 0 && m.st.messages[idx].Status == domain.MessageStreaming {
		m.st.messages[idx].Status = domain.MessageFailed
	}
	ex.cancel()
	ex.finish(context.Canceled)
	return ex.registered
}

// abortAndLock cancels the in-flight exchange and returns with mu held and
// no exchange running. An abandoned streaming exchange also drops the
// channel connection, so the server's remaining frames for it never reach
// the next exchange.
func (m *Manager) abortAndLock() {
	m.mu.Lock()
	for m.abortLocked() {
		m.mu.Unlock()
		m.channel.Reset()
		m.mu.Lock()
	}
}

// LoadConversation replaces the message list with the stored history of id.
// An empty id starts a new chat.
func (m *Manager) LoadConversation(ctx context.Context, id string) error {
	m.abortAndLock()
	if id == "" {
		m.st.reset()
		m.unlockAndEmit(Event{Type: ConversationLoaded})
		return nil
	}
	m.mu.Unlock()

	var entries []domain.HistoryEntry
	if err := m.transport.Get(ctx, "/chat/history/"+url.PathEscape(id), &entries); err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	messages := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, domain.Message{
			ID:             uuid.New().String(),
			ConversationID: id,
			Role:           e.Role,
			Content:        e.Content,
			Sources:        e.Sources,
			Status:         domain.MessageComplete,
			Timestamp:      e.Timestamp,
		})
	}

	m.abortAndLock()
	m.st.messages = messages
	m.st.conversationID = id
	m.st.state = State{Phase: Idle}
	m.unlockAndEmit(Event{Type: ConversationLoaded})
	return nil
}

// ClearConversation deletes the active conversation on the server and
// empties the local state. The deletion is best-effort: failures are
// logged and the local state is cleared regardless.
func (m *Manager) ClearConversation(ctx context.Context) {
	m.abortAndLock()
	id := m.st.conversationID
	m.mu.Unlock()

	if id != "" {
		if err := m.transport.Delete(ctx, "/chat/history/"+url.PathEscape(id), nil); err != nil {
			m.logger.Warn("Failed to delete conversation", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	m.abortAndLock()
	m.st.reset()
	m.unlockAndEmit(Event{Type: ConversationLoaded})
}

// Close cancels any in-flight exchange and closes the channel
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.abortLocked()
	m.mu.Unlock()
	return m.channel.Close()
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	m.st.connected = connected
	m.unlockAndEmit(Event{Type: ConnectionChanged, Connected: connected})
}

// unlockAndEmit queues events, releases mu and delivers everything queued.
// Events are queued under mu so deliveries keep the order of the changes.
func (m *Manager) unlockAndEmit(events ...Event) {
	m.pending = append(m.pending, events...)
	m.mu.Unlock()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, fn := range m.subscribers {
				fn(ev)
			}
		}
	}
}
