package message

import (
	"strings"
	"time"
)

// Role identifies who authored a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Type tells renderers how to present the content of a message.
type Type string

const (
	TypeText     Type = "text"
	TypeCode     Type = "code"
	TypeMarkdown Type = "markdown"
	TypeJSON     Type = "json"
	TypeChart    Type = "chart"
	TypeForm     Type = "form"
	TypeTable    Type = "table"
)

// Message is a single entry of a chat transcript.
type Message struct {
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	Type      Type           `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// now is swapped in tests.
var now = func() time.Time {
	return time.Now().UTC()
}

// New builds a message with consistent defaults: role user, type text and an
// empty metadata map.
func New(content string, role Role, msgType Type, metadata map[string]any) Message {
	if role == "" {
		role = RoleUser
	}
	if msgType == "" {
		msgType = TypeText
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Message{
		Content:   content,
		Role:      role,
		Type:      msgType,
		Metadata:  metadata,
		Timestamp: now(),
	}
}

// IsUser reports whether the message was written by the user.
func IsUser(m Message) bool { return m.Role == RoleUser }

// IsAssistant reports whether the message came from the model.
func IsAssistant(m Message) bool { return m.Role == RoleAssistant }

// IsSystem reports whether the message is a system instruction.
func IsSystem(m Message) bool { return m.Role == RoleSystem }

// Clone returns a deep enough copy for safe sharing across goroutines.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneAll copies a transcript.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Language returns metadata["language"] when it is a non-empty string.
func (m Message) Language(fallback string) string {
	if m.Metadata != nil {
		if lang, ok := m.Metadata["language"].(string); ok && strings.TrimSpace(lang) != "" {
			return lang
		}
	}
	return fallback
}
