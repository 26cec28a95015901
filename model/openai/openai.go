// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming + function/tool calling). Chunked
// completions are mapped onto the shared block protocol in model/stream: the
// message text occupies block 0, each tool call occupies its own block.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/logging"
	"github.com/hupe1980/modelrelay/model"
	"github.com/hupe1980/modelrelay/model/stream"
)

// streamProfile describes the Chat Completions event surface: no explicit
// block stops (index changes close blocks) and no reasoning blocks.
var streamProfile = stream.Profile{Provider: "openai"}

// Options configure the OpenAI model adapter.
type Options struct {
	Model     string
	MaxTokens int64
	APIKey    string
	BaseURL   string // Alternate endpoint, if any
	Logger    logging.Logger
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client
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

	client := openai.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:     openai.ChatModelGPT4oMini,
		MaxTokens: 4096,
		Logger:    logging.NoOpLogger{},
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Delta, <-chan error) {
	out := make(chan model.Delta, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if req.Cache != nil && !core.HasToolResult(req.Messages) {
			req.Cache.Clear()
		}
		params, err := m.buildParams(req)
		if err != nil {
			errCh <- err
			return
		}
		if req.Stream {
			m.handleStreaming(ctx, req, *params, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, req, *params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts canonical messages into OpenAI chat messages while
// attaching matching tool responses immediately after assistant tool calls.
func buildMessages(req model.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	toolResponses, order := collectToolResponses(req)

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		if msg.Role == core.RoleTool {
			continue
		}
		text := cleanText(msg.Text())
		switch msg.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case core.RoleUser:
			userMsg, err := encodeUserMessage(msg)
			if err != nil {
				return nil, err
			}
			messages = append(messages, userMsg)
		case core.RoleAssistant:
			toolCalls, callIDs := extractToolCalls(msg)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
			for _, id := range callIDs {
				if id == "" {
					continue
				}
				if resp, ok := toolResponses[id]; ok {
					messages = append(messages, openai.ToolMessage(resp, id))
					delete(toolResponses, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	for _, id := range order {
		if resp, ok := toolResponses[id]; ok {
			messages = append(messages, openai.ToolMessage(resp, id))
		}
	}
	return messages, nil
}

// encodeUserMessage keeps the simple string form for text-only messages and
// switches to content parts when images are present. Documents have no Chat
// Completions representation and fail before any network call.
func encodeUserMessage(msg core.Message) (openai.ChatCompletionMessageParamUnion, error) {
	multipart := false
	for _, p := range msg.Parts {
		if _, ok := p.(core.TextPart); !ok {
			multipart = true
			break
		}
	}
	if !multipart {
		return openai.UserMessage(cleanText(msg.Text())), nil
	}

	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text == "" {
				continue
			}
			parts = append(parts, openai.TextContentPart(cleanText(part.Text)))
		case core.ImagePart:
			imgURL, err := imageURL(part)
			if err != nil {
				return openai.ChatCompletionMessageParamUnion{}, err
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imgURL}))
		case core.DocumentPart:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf(
				"%w: document parts are not supported by the chat completions api", model.ErrUnsupportedContent)
		default:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf(
				"%w: unsupported user content part %T", model.ErrUnsupportedContent, p)
		}
	}
	return openai.UserMessage(parts), nil
}

// imageURL renders an image part as a chat-completions image url: inline
// bytes become a data url, a URI passes through for the provider to fetch.
func imageURL(part core.ImagePart) (string, error) {
	if len(part.Data) > 0 {
		if part.MimeType == "" {
			return "", fmt.Errorf("%w: image part with inline bytes requires a mime type", model.ErrUnsupportedContent)
		}
		return "data:" + part.MimeType + ";base64," + base64.StdEncoding.EncodeToString(part.Data), nil
	}
	if part.URI == "" {
		return "", fmt.Errorf("%w: image part carries neither bytes nor uri", model.ErrUnsupportedContent)
	}
	return part.URI, nil
}

// collectToolResponses indexes tool responses by id preserving first-seen order.
func collectToolResponses(req model.Request) (map[string]string, []string) {
	responses := map[string]string{}
	order := []string{}
	for _, msg := range req.Messages {
		if msg.Role != core.RoleTool {
			continue
		}
		for _, p := range msg.Parts {
			fr, ok := p.(core.FunctionResponsePart)
			if !ok || fr.FunctionResponse.ID == "" {
				continue
			}
			if _, exists := responses[fr.FunctionResponse.ID]; exists {
				continue
			}
			responses[fr.FunctionResponse.ID] = cleanText(fr.FunctionResponse.Response)
			order = append(order, fr.FunctionResponse.ID)
		}
	}
	return responses, order
}

// extractToolCalls extracts tool call parts and returns OpenAI formatted tool calls + ordered IDs.
func extractToolCalls(msg core.Message) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	var callIDs []string
	for _, fc := range msg.ToolCalls() {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		})
		callIDs = append(callIDs, fc.ID)
	}
	return toolCalls, callIDs
}

// cleanText strips the inline cache marker; Chat Completions has no per-part
// cache annotation, so the hint is dropped after stripping.
func cleanText(text string) string {
	return strings.ReplaceAll(text, core.CacheMarker, "")
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(req model.Request) (*openai.ChatCompletionNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.opts.MaxTokens
	}
	messages, err := buildMessages(req)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	// Reasoning-capable OpenAI models reject manual sampling controls, the
	// same exclusivity the canonical options define.
	if req.Reasoning == nil {
		if req.Temperature != nil {
			params.Temperature = openai.Float(*req.Temperature)
		}
		if req.TopP != nil {
			params.TopP = openai.Float(*req.TopP)
		}
	}
	if len(req.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tdef := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tdef.Function.Name,
					Description: openai.String(tdef.Function.Description),
					Parameters:  tdef.Function.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return &params, nil
}

// handleStreaming feeds chunk events through the shared demux.
func (m *Model) handleStreaming(
	ctx context.Context,
	req model.Request,
	params openai.ChatCompletionNewParams,
	out chan<- model.Delta,
	errCh chan<- error,
) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	sdkStream := m.client.Chat.Completions.NewStreaming(ctx, params)

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

	started := false
	for sdkStream.Next() {
		ck := sdkStream.Current()
		if !started {
			started = true
			if err := demux.Handle(stream.Event{Kind: stream.EventMessageStart}); err != nil {
				errCh <- err
				return
			}
		}
		for _, ev := range mapChunk(ck) {
			if err := demux.Handle(ev); err != nil {
				errCh <- err
				return
			}
		}
	}
	if err := sdkStream.Err(); err != nil {
		errCh <- translateError(err)
		return
	}
	if err := demux.Finish(); err != nil {
		errCh <- err
	}
}

// mapChunk translates one completion chunk into normalized events. Message
// text occupies block 0; tool call n occupies block n+1.
func mapChunk(ck openai.ChatCompletionChunk) []stream.Event {
	var events []stream.Event
	for _, choice := range ck.Choices {
		if choice.Delta.Content != "" {
			events = append(events, stream.Event{
				Kind: stream.EventBlockDelta,
				Text: choice.Delta.Content,
			})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := int(tc.Index) + 1
			if tc.ID != "" || tc.Function.Name != "" {
				events = append(events, stream.Event{
					Kind:     stream.EventBlockStart,
					Index:    index,
					Block:    stream.BlockToolUse,
					ToolID:   tc.ID,
					ToolName: tc.Function.Name,
				})
			}
			if tc.Function.Arguments != "" {
				events = append(events, stream.Event{
					Kind:         stream.EventBlockDelta,
					Index:        index,
					ArgsFragment: tc.Function.Arguments,
				})
			}
		}
		if choice.FinishReason != "" {
			events = append(events, stream.Event{
				Kind:       stream.EventMessageDelta,
				StopReason: choice.FinishReason,
			})
		}
	}
	if ck.Usage.TotalTokens > 0 {
		events = append(events, stream.Event{
			Kind: stream.EventMessageDelta,
			Usage: &model.Usage{
				InputTokens:     int(ck.Usage.PromptTokens),
				OutputTokens:    int(ck.Usage.CompletionTokens),
				CacheReadTokens: int(ck.Usage.PromptTokensDetails.CachedTokens),
			},
		})
	}
	return events
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	req model.Request,
	params openai.ChatCompletionNewParams,
	out chan<- model.Delta,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- translateError(err)
		return
	}
	// No reasoning surfaces on this backend, so a completed turn always
	// empties the cache.
	if req.Cache != nil {
		req.Cache.Clear()
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}
	ch0 := resp.Choices[0]

	parts := make([]core.Part, 0, len(ch0.Message.ToolCalls)+1)
	if ch0.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: ch0.Message.Content})
	}
	var toolCalls []core.FunctionCall
	for _, tc := range ch0.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		call := core.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
		toolCalls = append(toolCalls, call)
		parts = append(parts, core.FunctionCallPart{FunctionCall: call})
	}

	usage := model.Usage{
		InputTokens:     int(resp.Usage.PromptTokens),
		OutputTokens:    int(resp.Usage.CompletionTokens),
		CacheReadTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
	}.Reconciled()

	msg := core.Message{Role: core.RoleAssistant, Parts: parts}
	out <- model.Delta{
		Type:         model.DeltaTypeFinal,
		Message:      &msg,
		ToolCalls:    toolCalls,
		FinishReason: ch0.FinishReason,
		Usage:        &usage,
	}
}

// translateError maps SDK and transport failures onto the canonical error
// taxonomy; unrecognized errors propagate unmodified.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fmt.Errorf("%w: %w", model.ErrAuth, err)
		case apierr.StatusCode == 400 || apierr.StatusCode == 404 || apierr.StatusCode == 422:
			return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", model.ErrServerUnavailable, err)
		default:
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", model.ErrConnection, err)
	}
	return err
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
