package session

import (
	"time"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/model"
)

// Session is a single conversation: its canonical message history plus the
// reasoning cache carried across tool-use turns. A session is owned by one
// conversation loop at a time, so the struct itself is not synchronized;
// stores hand out clones.
type Session struct {
	ID        string
	Messages  []core.Message
	Reasoning *model.ReasoningCache
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession creates an empty session with a fresh reasoning cache.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Reasoning: model.NewReasoningCache(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a message to the history and bumps the update time.
func (s *Session) AddMessage(msg core.Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy. The reasoning cache contents are copied so a
// clone's cache mutations never leak back into the stored session.
func (s *Session) Clone() *Session {
	clone := &Session{
		ID:        s.ID,
		Messages:  make([]core.Message, len(s.Messages)),
		Reasoning: model.NewReasoningCache(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	copy(clone.Messages, s.Messages)
	if s.Reasoning != nil && !s.Reasoning.Empty() {
		clone.Reasoning.Store(s.Reasoning.Segments())
	}
	return clone
}

// Store persists sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns an existing session or creates a new one lazily.
	Get(sessionID string) (*Session, error)

	// Create forces the creation (or overwriting) of a session with the given id.
	Create(sessionID string) (*Session, error)

	// Save stores a snapshot of the provided session.
	Save(session *Session) error
}
