package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage is one message sent to the generation model.
type PromptMessage struct {
	Role    Role
	Content string
}

// TitleMaxRunes bounds the session title derived from the first message.
const TitleMaxRunes = 50

// ChatSession is a conversation about one document.
type ChatSession struct {
	ID         string
	DocumentID string
	Title      string
	CreatedAt  time.Time
}

// ChatMessage is one append-only entry of a session.
type ChatMessage struct {
	ID         string
	SessionID  string
	Role       Role
	Content    string
	Citations  []Citation
	Incomplete bool
	CreatedAt  time.Time
}

// Citation links part of an answer to a page and, when resolved, to the
// retrieved chunk it came from. ChunkID is nil when Unresolved is set.
type Citation struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	ChunkID    *string `json:"chunk_id"`
	Section    string  `json:"section,omitempty"`
	Source     int     `json:"source,omitempty"`
	Unresolved bool    `json:"unresolved,omitempty"`
}

// SessionTitle derives a session title from the first user message.
func SessionTitle(message string) string {
	if utf8.RuneCountInString(message) <= TitleMaxRunes {
		return message
	}
	runes := []rune(message)
	return string(runes[:TitleMaxRunes]) + "..."
}

// ValidateChatMessage validates a ChatMessage instance
func ValidateChatMessage(m *ChatMessage) error {
	if m == nil {
		return fmt.Errorf("chat message cannot be nil")
	}
	if m.ID == "" {
		return fmt.Errorf("chat message ID is required")
	}
	if m.SessionID == "" {
		return fmt.Errorf("chat message SessionID is required")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return ErrInvalidRole
	}
	if m.Role == RoleUser && len(m.Citations) > 0 {
		return fmt.Errorf("user messages cannot carry citations")
	}
	return nil
}
