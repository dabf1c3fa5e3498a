// Package chat implements the streaming chat session core: the session
// catalog, the model registry, and the coordinator that drives one
// generation end-to-end over a shared streaming connection.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/marionette/pkg/wire"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a session transcript. Content is mutable only
// while the message is the placeholder of an in-flight generation; once
// the generation finalizes or is stopped the content is frozen.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation thread. Messages are append-only and kept
// in creation order.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Model     *wire.Model `json:"model"`
	Messages  []Message   `json:"messages"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewSession returns an empty session with a fresh id.
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
	}
}

// NewMessage returns a message with a fresh id and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// clone returns a deep copy so callers can render without holding the
// store lock.
func (s *Session) clone() Session {
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.Model != nil {
		m := *s.Model
		c.Model = &m
	}
	return c
}

// GenerationState is the per-session generation lifecycle. Idle is the
// only state from which a new generation may start.
type GenerationState int

const (
	StateIdle GenerationState = iota
	StateAwaitingConnection
	StateStreaming
	StateFinalizing
)

func (s GenerationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConnection:
		return "awaiting-connection"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Snapshot is the full persisted state: all sessions plus the
// active-session pointer.
type Snapshot struct {
	Sessions        []Session `json:"sessions"`
	ActiveSessionID string    `json:"activeSessionId,omitempty"`
}
