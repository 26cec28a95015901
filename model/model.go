package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/modelrelay/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the
// model. Parameters is a JSON Schema object; providers translate it into
// their own schema dialect before transmission.
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// ReasoningConfig enables provider-side reasoning ("thinking") output with a
// token budget. Reasoning mode and manual sampling controls are mutually
// exclusive; encoders drop temperature/top_p/top_k when it is set.
type ReasoningConfig struct {
	BudgetTokens int64 `json:"budget_tokens"`
}

// Request captures the normalized model input. Messages are read-only to the
// provider adapters; the ReasoningCache is the only field they mutate.
type Request struct {
	Messages    []core.Message   `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	TopK        *int64           `json:"top_k,omitempty"`
	MaxTokens   int64            `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	User        string           `json:"user,omitempty"`
	Reasoning   *ReasoningConfig `json:"reasoning,omitempty"`

	// ExtendedOutput requests the provider's extended output window when one
	// is gated behind a capability flag.
	ExtendedOutput bool `json:"extended_output,omitempty"`

	Stream bool `json:"stream,omitempty"`

	// Cache holds reasoning segments surviving a tool round-trip. It is owned
	// by the conversation session and must not be shared across sessions.
	Cache *ReasoningCache `json:"-"`

	// Fetcher resolves by-reference content parts. Required only when a
	// message carries an ImagePart with a URI and no inline bytes.
	Fetcher core.Fetcher `json:"-"`
}

// DeltaType discriminates streaming delta fragments.
type DeltaType string

const (
	// DeltaTypeText is an incremental visible-text fragment.
	DeltaTypeText DeltaType = "text"
	// DeltaTypeReasoning is an incremental reasoning-text fragment.
	DeltaTypeReasoning DeltaType = "reasoning"
	// DeltaTypeReasoningStart marks the opening boundary of a reasoning block.
	DeltaTypeReasoningStart DeltaType = "reasoning_start"
	// DeltaTypeReasoningEnd marks the closing boundary of a reasoning block.
	DeltaTypeReasoningEnd DeltaType = "reasoning_end"
	// DeltaTypeFinal is the terminal delta carrying tool calls, finish reason
	// and reconciled usage. Emitted exactly once per stream.
	DeltaTypeFinal DeltaType = "final"
)

// RedactedReasoningPlaceholder is the fixed fragment emitted when a provider
// redacts a reasoning block. Redacted blocks produce no further content.
const RedactedReasoningPlaceholder = "[Some reasoning content was redacted by the provider]"

// Delta is one element of the canonical streaming sequence. Deltas are
// immutable once emitted.
type Delta struct {
	BlockIndex int       `json:"block_index"`
	Type       DeltaType `json:"type"`
	Text       string    `json:"text,omitempty"`

	// The fields below are populated only on the final delta.
	Message      *core.Message       `json:"message,omitempty"`
	ToolCalls    []core.FunctionCall `json:"tool_calls,omitempty"`
	FinishReason string              `json:"finish_reason,omitempty"`
	Usage        *Usage              `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "anthropic", "openai", "gemini", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Generate
// yields a lazy, forward-only delta sequence; the final element carries
// finish reason and usage. Abandoning the sequence early is always safe.
// With Stream unset the channel carries a single final delta built from the
// complete response body.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Delta, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
type MockModel struct {
	info      Info
	responses map[string]string
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// Generate implements Model; emits optional streaming char deltas then the
// final delta.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Delta, <-chan error) {
	out := make(chan Delta, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		last := req.Messages[len(req.Messages)-1]
		inputText := last.Text()
		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Delta{Type: DeltaTypeText, Text: string(r)}:
				}
			}
		}
		usage := Usage{InputTokens: len(inputText), OutputTokens: len(full)}.Reconciled()
		msg := core.NewAssistantMessage(core.TextPart{Text: full})
		out <- Delta{
			Type:         DeltaTypeFinal,
			Message:      &msg,
			FinishReason: FinishReasonStop,
			Usage:        &usage,
		}
	}()
	return out, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
