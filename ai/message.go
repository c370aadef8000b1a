package ai

import "github.com/tmc/langchaingo/llms"

// Role tags the author of a Message. The set is open: unknown roles are kept
// as-is and forwarded to the provider as generic messages.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// NewMessage creates a Message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// chatMessageType 将角色映射为 langchaingo 的消息类型。
func (m Message) chatMessageType() llms.ChatMessageType {
	switch m.Role {
	case RoleUser, "human":
		return llms.ChatMessageTypeHuman
	case RoleAssistant, "ai":
		return llms.ChatMessageTypeAI
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeGeneric
	}
}

// toMessageContent 转为 GenerateContent 所需的消息片段。
func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		out = append(out, llms.TextParts(msg.chatMessageType(), msg.Content))
	}
	return out
}

// cloneMessages returns a copy that shares no backing array with src.
func cloneMessages(src []Message) []Message {
	if len(src) == 0 {
		return []Message{}
	}
	dst := make([]Message, len(src))
	copy(dst, src)
	return dst
}
