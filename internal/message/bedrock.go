package message

import "strings"

// BedrockMessage is the role/content pair accepted by Anthropic models on
// Bedrock.
type BedrockMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const placeholderPrompt = "Hello"

// FormatForBedrock drops blank turns and keeps role and content only.
// Consecutive turns from the same role are joined with a blank line since
// the messages API requires roles to alternate. Bedrock rejects an empty
// message list, so a lone "Hello" user turn is returned when nothing
// survives.
func FormatForBedrock(msgs []Message) []BedrockMessage {
	formatted := make([]BedrockMessage, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if n := len(formatted); n > 0 && formatted[n-1].Role == m.Role {
			formatted[n-1].Content += "\n\n" + m.Content
			continue
		}
		formatted = append(formatted, BedrockMessage{Role: m.Role, Content: m.Content})
	}

	if len(formatted) == 0 {
		formatted = append(formatted, BedrockMessage{Role: RoleUser, Content: placeholderPrompt})
	}
	return formatted
}

// SplitSystem separates system turns from the conversation. The system
// contents are joined with blank lines; the remaining turns keep their order.
func SplitSystem(msgs []Message) (string, []Message) {
	var (
		system []string
		rest   = make([]Message, 0, len(msgs))
	)
	for _, m := range msgs {
		if IsSystem(m) {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
