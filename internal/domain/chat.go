package domain

import (
	"encoding/json"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message status values. Only the in-progress assistant message is ever
// MessageStreaming; a stream that ends without a final frame leaves it
// MessageFailed with whatever content had arrived.
const (
	MessageComplete  = "complete"
	MessageStreaming = "streaming"
	MessageFailed    = "failed"
)

// Conversation represents a chat conversation
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message represents a chat message
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Sources        []Source  `json:"sources,omitempty"`
	Status         string    `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Source represents a citation source attached to an assistant answer
type Source struct {
	DocumentID string         `json:"document_id,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	Page       *int           `json:"page,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts the "document" and "relevance_score" aliases some
// producers use for the filename and score fields.
func (s *Source) UnmarshalJSON(data []byte) error {
	type plain Source
	var aux struct {
		plain
		Document       string   `json:"document"`
		RelevanceScore *float64 `json:"relevance_score"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Source(aux.plain)
	if s.Filename == "" {
		s.Filename = aux.Document
	}
	if s.Score == nil {
		s.Score = aux.RelevanceScore
	}
	return nil
}

// ChatRequest is the payload of both the buffered and the streaming path
type ChatRequest struct {
	Message        string   `json:"message" binding:"required,min=1,max=5000,safe_text"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Stream         bool     `json:"stream"`
	Temperature    *float64 `json:"temperature,omitempty" binding:"omitempty,gte=0,lte=1"`
	MaxTokens      *int     `json:"max_tokens,omitempty" binding:"omitempty,gte=1,lte=2048"`
}

// ChatResponse is the response of the buffered path
type ChatResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id"`
	Sources        []Source `json:"sources"`
	TokensUsed     *int     `json:"tokens_used,omitempty"`
	ProcessingTime *float64 `json:"processing_time,omitempty"`
}

// StreamFrame is one server frame on the incremental channel
type StreamFrame struct {
	Chunk          string   `json:"chunk"`
	ConversationID string   `json:"conversation_id,omitempty"`
	IsFinal        bool     `json:"is_final"`
	Sources        []Source `json:"sources,omitempty"`
	// Error is set instead of a chunk when the server rejects the request
	Error string `json:"error,omitempty"`
}

// HistoryEntry is one element of a conversation history listing
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

// Answer is what a responder produces for one question
type Answer struct {
	Text       string
	Sources    []Source
	TokensUsed int
}
