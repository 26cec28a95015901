// Package anthropic provides a model wrapper for the Anthropic Claude
// Messages API, including streaming with reasoning blocks, prompt caching
// annotations and capability beta headers.
package anthropic

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/logging"
	"github.com/hupe1980/modelrelay/model"
	"github.com/hupe1980/modelrelay/model/stream"
)

// Options configures the Anthropic model adapter. Sampling controls travel
// per request; only client-level settings live here.
type Options struct {
	Model     anthropic.Model
	MaxTokens int64 // Default completion cap when the request does not set one
	APIKey    string
	BaseURL   string // Alternate endpoint, if any
	Logger    logging.Logger
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:     anthropic.ModelClaude3_7SonnetLatest,
		MaxTokens: 4096,
		Logger:    logging.NoOpLogger{},
	}
}

// Generate implements unified streaming / non-streaming generation. The
// request is encoded once; streaming responses pass through the shared
// normalizer in model/stream, non-streaming responses collapse into a single
// final delta built from the complete response body.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Delta, <-chan error) {
	out := make(chan model.Delta, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params, callOpts, err := m.encodeRequest(ctx, req)
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			m.handleStreaming(ctx, req, *params, callOpts, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, req, *params, callOpts, out, errCh)
	}()

	return out, errCh
}

// handleStreaming consumes the SDK event stream through the shared demux.
func (m *Model) handleStreaming(
	ctx context.Context,
	req model.Request,
	params anthropic.MessageNewParams,
	callOpts []option.RequestOption,
	out chan<- model.Delta,
	errCh chan<- error,
) {
	sdkStream := m.client.Messages.NewStreaming(ctx, params, callOpts...)

	emit := func(d model.Delta) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- d:
			return nil
		}
	}
	demux := stream.NewDemux(streamProfile, emit, func(o *stream.Options) {
		o.Cache = req.Cache
		o.Logger = m.opts.Logger
	})

	for sdkStream.Next() {
		ev, ok := mapEvent(sdkStream.Current())
		if !ok {
			continue
		}
		if err := demux.Handle(ev); err != nil {
			errCh <- err
			return
		}
	}
	if err := sdkStream.Err(); err != nil {
		errCh <- translateError(err)
		return
	}
	// Providers are expected to send message_stop; finish defensively when
	// the stream ends without one.
	if err := demux.Finish(); err != nil {
		errCh <- err
	}
}

// handleNonStreaming builds a single terminal delta from the complete
// response body.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	req model.Request,
	params anthropic.MessageNewParams,
	callOpts []option.RequestOption,
	out chan<- model.Delta,
	errCh chan<- error,
) {
	resp, err := m.client.Messages.New(ctx, params, callOpts...)
	if err != nil {
		errCh <- translateError(err)
		return
	}

	var (
		parts     []core.Part
		toolCalls []core.FunctionCall
		segments  []model.ReasoningSegment
	)
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				parts = append(parts, core.TextPart{Text: textBlock.Text})
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := "{}"
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			toolCalls = append(toolCalls, core.FunctionCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		case "thinking":
			tb := block.AsThinking()
			segments = append(segments, model.ReasoningSegment{
				Kind:      model.ReasoningKindVisible,
				Text:      tb.Thinking,
				Signature: tb.Signature,
			})
		case "redacted_thinking":
			rb := block.AsRedactedThinking()
			segments = append(segments, model.ReasoningSegment{
				Kind: model.ReasoningKindRedacted,
				Data: rb.Data,
			})
		}
	}
	for _, tc := range toolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: tc})
	}

	if req.Cache != nil {
		req.Cache.Clear()
		if len(toolCalls) > 0 && len(segments) > 0 {
			req.Cache.Store(segments)
		}
	}

	usage := model.Usage{
		InputTokens:      int(resp.Usage.InputTokens),
		OutputTokens:     int(resp.Usage.OutputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
	}.Reconciled()

	msg := core.Message{Role: core.RoleAssistant, Parts: parts}
	out <- model.Delta{
		Type:         model.DeltaTypeFinal,
		Message:      &msg,
		ToolCalls:    toolCalls,
		FinishReason: normalizeFinishReason(string(resp.StopReason)),
		Usage:        &usage,
	}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
