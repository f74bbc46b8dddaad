package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/repository"
	"go.uber.org/zap"
)

// StreamChunkSize is the number of characters carried by one stream frame
const StreamChunkSize = 20

// fallbackAnswer replaces the assistant response when the responder fails
const fallbackAnswer = "I apologize, but I encountered an error. Please try rephrasing your question."

// ChatService handles chat exchanges and conversation history
type ChatService struct {
	cfg        *config.Config
	convRepo   *repository.ConversationRepository
	responder  Responder
	logger     *zap.Logger
	chunkDelay time.Duration

	// answers caches responses to questions asked outside a conversation,
	// keyed on the lowercased message; nil when caching is disabled
	answers *expirable.LRU[string, *domain.Answer]
}

// NewChatService creates a new chat service
func NewChatService(
	cfg *config.Config,
	convRepo *repository.ConversationRepository,
	responder Responder,
	logger *zap.Logger,
) *ChatService {
	s := &ChatService{
		cfg:        cfg,
		convRepo:   convRepo,
		responder:  responder,
		logger:     logger,
		chunkDelay: 20 * time.Millisecond,
	}
	if c := cfg.Cache; c.Enabled && c.Size > 0 && c.TTL > 0 {
		s.answers = expirable.NewLRU[string, *domain.Answer](c.Size, nil, c.TTL)
	}
	return s
}

// SetChunkDelay sets the pause between stream frames
func (s *ChatService) SetChunkDelay(d time.Duration) {
	s.chunkDelay = d
}

// Chat handles a buffered chat message
func (s *ChatService) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()

	message := normalizeMessage(req.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message cannot be empty or just whitespace", domain.ErrInvalidRequest)
	}

	conv, err := s.resolveConversation(req.ConversationID, message)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        message,
	}
	if err := s.convRepo.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	s.logger.Info("Processing chat request",
		zap.String("conversation_id", conv.ID),
		zap.String("message", truncate(message, 100)),
	)

	answer := s.answer(ctx, message, req, conv.ID)
	if answer.Sources == nil {
		answer.Sources = []domain.Source{}
	}

	assistantMsg := &domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        answer.Text,
		Sources:        answer.Sources,
	}
	if err := s.convRepo.CreateMessage(assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}

	if err := s.convRepo.Touch(conv.ID); err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Seconds()
	resp := &domain.ChatResponse{
		Response:       answer.Text,
		ConversationID: conv.ID,
		Sources:        answer.Sources,
		ProcessingTime: &elapsed,
	}
	if answer.TokensUsed > 0 {
		tokens := answer.TokensUsed
		resp.TokensUsed = &tokens
	}
	return resp, nil
}

// ChatStream answers a chat message as a sequence of stream frames. The
// answer is produced in full first and then sliced into StreamChunkSize
// character chunks; the last frame is final and carries the sources.
func (s *ChatService) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamFrame, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamFrame, 16)
	go func() {
		defer close(ch)

		chunks := splitChunks(resp.Response, StreamChunkSize)
		for i, chunk := range chunks {
			frame := domain.StreamFrame{
				Chunk:          chunk,
				ConversationID: resp.ConversationID,
				IsFinal:        i == len(chunks)-1,
			}
			if frame.IsFinal {
				frame.Sources = resp.Sources
			}

			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}

			if !frame.IsFinal && s.chunkDelay > 0 {
				select {
				case <-time.After(s.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// History returns the ordered messages of a conversation
func (s *ChatService) History(ctx context.Context, conversationID string) ([]domain.HistoryEntry, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("%w: invalid conversation ID format", domain.ErrInvalidRequest)
	}

	conv, err := s.convRepo.Get(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}

	msgs, err := s.convRepo.GetMessages(conversationID)
	if err != nil {
		return nil, err
	}

	history := make([]domain.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, domain.HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Sources:   m.Sources,
		})
	}
	return history, nil
}

// Clear deletes a conversation and its messages
func (s *ChatService) Clear(ctx context.Context, conversationID string) error {
	if _, err := uuid.Parse(conversationID); err != nil {
		return fmt.Errorf("%w: invalid conversation ID format", domain.ErrInvalidRequest)
	}
	return s.convRepo.Delete(conversationID)
}

// ListConversations returns the most recently active conversations
func (s *ChatService) ListConversations(ctx context.Context, limit int) ([]*domain.Conversation, error) {
	return s.convRepo.List(limit)
}

func (s *ChatService) resolveConversation(id, firstMessage string) (*domain.Conversation, error) {
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: invalid conversation ID format", domain.ErrInvalidRequest)
		}
		conv, err := s.convRepo.Get(id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}

	conv := &domain.Conversation{ID: id, Title: truncate(firstMessage, 50)}
	if err := s.convRepo.Create(conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// answer asks the responder, going through the answer cache for questions
// that do not continue a conversation. Failures yield the fallback answer
// and are never cached.
func (s *ChatService) answer(ctx context.Context, message string, req *domain.ChatRequest, conversationID string) *domain.Answer {
	key := ""
	if s.answers != nil && req.ConversationID == "" {
		key = strings.ToLower(message)
		if cached, ok := s.answers.Get(key); ok {
			s.logger.Debug("Answer served from cache", zap.String("conversation_id", conversationID))
			a := *cached
			return &a
		}
	}

	answer, err := s.responder.Answer(ctx, message, s.answerOptions(req))
	if err != nil {
		s.logger.Error("Error generating response", zap.String("conversation_id", conversationID), zap.Error(err))
		return &domain.Answer{Text: fallbackAnswer}
	}
	if key != "" {
		cached := *answer
		s.answers.Add(key, &cached)
	}
	return answer
}

func (s *ChatService) answerOptions(req *domain.ChatRequest) AnswerOptions {
	opts := AnswerOptions{
		Temperature: s.cfg.LLM.Temperature,
		MaxTokens:   s.cfg.LLM.MaxTokens,
		TopK:        s.cfg.RAG.TopK,
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	return opts
}

// normalizeMessage collapses runs of whitespace into single spaces
func normalizeMessage(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// splitChunks cuts s into pieces of at most size runes. An empty string
// yields a single empty chunk so a stream always has a final frame.
func splitChunks(s string, size int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}
	chunks := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
