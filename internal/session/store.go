package session

import (
	"github.com/liliang-cn/medichat/internal/domain"
)

// store holds the visible conversation. It is not synchronized; the
// Manager guards it.
type store struct {
	messages       []domain.Message
	conversationID string
	connected      bool
	state          State
}

func (s *store) append(m domain.Message) domain.Message {
	s.messages = append(s.messages, m)
	return m
}

// indexOf locates a message by id, searching from the end where the
// in-progress message lives
func (s *store) indexOf(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *store) reset() {
	s.messages = nil
	s.conversationID = ""
	s.state = State{Phase: Idle}
}

func (s *store) snapshot() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
