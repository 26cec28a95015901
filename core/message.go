package core

// Role identifies the author of a conversation turn. The set is closed;
// encoders match it exhaustively.
type Role string

const (
	// RoleSystem carries instructions that precede the conversation.
	RoleSystem Role = "system"
	// RoleUser is a caller-authored turn.
	RoleUser Role = "user"
	// RoleAssistant is a model-authored turn (text and/or tool calls).
	RoleAssistant Role = "assistant"
	// RoleTool carries results for tool calls issued by a prior assistant turn.
	RoleTool Role = "tool"
)

// Message holds role + ordered parts. Messages are caller-supplied and
// read-only to encoders and the streaming normalizer; part order is preserved
// through encoding.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewSystemMessage builds a system message from plain text.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart{Text: text}}}
}

// NewUserMessage builds a user message from the given parts.
func NewUserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: parts}
}

// NewUserTextMessage builds a single-text user message.
func NewUserTextMessage(text string) Message {
	return NewUserMessage(TextPart{Text: text})
}

// NewAssistantMessage builds an assistant message from the given parts.
func NewAssistantMessage(parts ...Part) Message {
	return Message{Role: RoleAssistant, Parts: parts}
}

// NewToolResultMessage builds a tool-result message answering the call with
// the given id.
func NewToolResultMessage(id, name, response string) Message {
	return Message{Role: RoleTool, Parts: []Part{
		FunctionResponsePart{FunctionResponse: FunctionResponse{ID: id, Name: name, Response: response}},
	}}
}

// ToolCalls returns the function calls carried by the message, in order.
func (m Message) ToolCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range m.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// HasToolResult reports whether any message in the slice is a tool-result
// turn. Encoders use this to decide whether a prior tool round-trip is being
// continued.
func HasToolResult(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleTool {
			return true
		}
	}
	return false
}

// HasDocument reports whether any message carries a document part.
func HasDocument(msgs []Message) bool {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if _, ok := p.(DocumentPart); ok {
				return true
			}
		}
	}
	return false
}
