package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	msg := NewAssistantMessage(
		TextPart{Text: "Hello "},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "f", Arguments: "{}"}},
		TextPart{Text: "world"},
	)
	assert.Equal(t, "Hello world", msg.Text())
}

func TestMessageToolCalls(t *testing.T) {
	msg := NewAssistantMessage(
		TextPart{Text: "calling"},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "first"}},
		FunctionCallPart{FunctionCall: FunctionCall{ID: "c2", Name: "second"}},
	)
	calls := msg.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
}

func TestHasToolResult(t *testing.T) {
	msgs := []Message{
		NewUserTextMessage("hi"),
		NewAssistantMessage(FunctionCallPart{FunctionCall: FunctionCall{ID: "c1", Name: "f"}}),
	}
	assert.False(t, HasToolResult(msgs))

	msgs = append(msgs, NewToolResultMessage("c1", "f", "ok"))
	assert.True(t, HasToolResult(msgs))
}

func TestHasDocument(t *testing.T) {
	msgs := []Message{NewUserTextMessage("hi")}
	assert.False(t, HasDocument(msgs))

	msgs = append(msgs, NewUserMessage(DocumentPart{Data: []byte("%PDF"), MimeType: "application/pdf"}))
	assert.True(t, HasDocument(msgs))
}
