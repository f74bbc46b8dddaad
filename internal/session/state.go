package session

import (
	"fmt"

	"github.com/liliang-cn/medichat/internal/domain"
)

// Phase is the stage of the current exchange
type Phase int

const (
	Idle Phase = iota
	AwaitingConnection
	Streaming
	Finalizing
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingConnection:
		return "awaiting_connection"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State describes what the session is doing. ExchangeID and Partial are set
// while Streaming; Reason is set when Failed.
type State struct {
	Phase      Phase
	ExchangeID string
	Partial    string
	Reason     string
}

// EventType identifies a session event
type EventType int

const (
	// MessageAppended carries a new message, user or assistant
	MessageAppended EventType = iota
	// ChunkAppended carries a chunk added to the streaming placeholder
	ChunkAppended
	// ExchangeFinished carries the completed assistant message
	ExchangeFinished
	// ExchangeFailed carries the failed assistant message and the error
	ExchangeFailed
	// ConversationLoaded is emitted after the list was replaced or cleared
	ConversationLoaded
	// ConnectionChanged carries the channel status
	ConnectionChanged
)

// Event is delivered to subscribers in the order the changes happened
type Event struct {
	Type      EventType
	Message   domain.Message
	Chunk     string
	Connected bool
	Err       error
}
