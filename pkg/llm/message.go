package llm

// Message represents a single message sent to the upstream chat model.
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// MessageFromTurn converts a stored conversation turn into an upstream message.
func MessageFromTurn(t ConversationTurn) Message {
	return Message{Role: string(t.Role), Content: t.RawText}
}
