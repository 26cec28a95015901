// Package gemini provides a model wrapper for the Google Gemini API via the
// google.golang.org/genai SDK. Gemini chunks carry no block indices, so the
// adapter assigns synthetic ones before handing events to the shared demux.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/logging"
	"github.com/hupe1980/modelrelay/model"
	"github.com/hupe1980/modelrelay/model/stream"
)

var streamProfile = stream.Profile{
	Provider:  "gemini",
	Reasoning: true,
}

// Options configure the Gemini model adapter.
type Options struct {
	Model     string
	MaxTokens int64
	APIKey    string
	Logger    logging.Logger
}

// Model wraps the Gemini API behind the generic model.Model interface.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a new Gemini model. The genai client performs network
// setup, so construction takes a context and can fail.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a new Gemini model from an existing client
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:     "gemini-2.5-pro",
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

		replay := req.Cache != nil && !req.Cache.Empty()
		if req.Cache != nil && !core.HasToolResult(req.Messages) {
			req.Cache.Clear()
			replay = false
		}

		contents, config, err := m.encodeRequest(ctx, req, replay)
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			m.handleStreaming(ctx, req, contents, config, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, req, contents, config, out, errCh)
	}()

	return out, errCh
}

func (m *Model) encodeRequest(ctx context.Context, req model.Request, replay bool) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.opts.MaxTokens
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: clampInt32(maxTokens),
	}
	if req.Reasoning != nil {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		if req.Reasoning.BudgetTokens > 0 {
			budget := clampInt32(req.Reasoning.BudgetTokens)
			config.ThinkingConfig.ThinkingBudget = &budget
		}
	} else {
		if req.Temperature != nil {
			temp := float32(*req.Temperature)
			config.Temperature = &temp
		}
		if req.TopP != nil {
			topP := float32(*req.TopP)
			config.TopP = &topP
		}
		if req.TopK != nil {
			topK := float32(*req.TopK)
			config.TopK = &topK
		}
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}
	config.Tools = buildTools(req.Tools)

	lastToolCallTurn := -1
	if replay {
		lastToolCallTurn = lastAssistantToolCallTurn(req.Messages)
	}

	var contents []*genai.Content
	for i, msg := range req.Messages {
		switch msg.Role {
		case core.RoleSystem:
			text := stripCacheMarker(msg.Text())
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
			} else {
				config.SystemInstruction.Parts = append(config.SystemInstruction.Parts, &genai.Part{Text: text})
			}
		case core.RoleUser:
			parts, err := encodeUserParts(ctx, req, msg)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		case core.RoleAssistant:
			var parts []*genai.Part
			if i == lastToolCallTurn {
				parts = append(parts, reasoningParts(req.Cache.Segments())...)
			}
			parts = append(parts, encodeAssistantParts(msg)...)
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case core.RoleTool:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: encodeToolResultParts(msg)})
		}
	}
	return contents, config, nil
}

// lastAssistantToolCallTurn returns the index of the last assistant message
// containing tool calls, or -1.
func lastAssistantToolCallTurn(messages []core.Message) int {
	last := -1
	for i, msg := range messages {
		if msg.Role == core.RoleAssistant && len(msg.ToolCalls()) > 0 {
			last = i
		}
	}
	return last
}

// reasoningParts converts cached segments into thought parts for replay.
// Redacted segments have no Gemini representation and are skipped.
func reasoningParts(segments []model.ReasoningSegment) []*genai.Part {
	var parts []*genai.Part
	for _, seg := range segments {
		if seg.Kind != model.ReasoningKindVisible {
			continue
		}
		p := &genai.Part{Text: seg.Text, Thought: true}
		if seg.Signature != "" {
			p.ThoughtSignature = []byte(seg.Signature)
		}
		parts = append(parts, p)
	}
	return parts
}

func encodeUserParts(ctx context.Context, req model.Request, msg core.Message) ([]*genai.Part, error) {
	var parts []*genai.Part
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case core.TextPart:
			parts = append(parts, &genai.Part{Text: stripCacheMarker(part.Text)})
		case core.ImagePart:
			data := part.Data
			mimeType := part.MimeType
			if len(data) == 0 && part.URI != "" {
				if req.Fetcher == nil {
					return nil, fmt.Errorf("%w: image URI requires a fetcher", model.ErrUnsupportedContent)
				}
				fetched, fetchedMime, err := req.Fetcher.Fetch(ctx, part.URI)
				if err != nil {
					return nil, fmt.Errorf("%w: fetch image: %w", model.ErrUnsupportedContent, err)
				}
				data = fetched
				if mimeType == "" {
					mimeType = fetchedMime
				}
			}
			if len(data) == 0 {
				return nil, fmt.Errorf("%w: image part has no data", model.ErrUnsupportedContent)
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}})
		case core.DocumentPart:
			if len(part.Data) == 0 {
				return nil, fmt.Errorf("%w: document part has no data", model.ErrUnsupportedContent)
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: part.MimeType, Data: part.Data}})
		}
	}
	return parts, nil
}

func encodeAssistantParts(msg core.Message) []*genai.Part {
	var parts []*genai.Part
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				parts = append(parts, &genai.Part{Text: stripCacheMarker(part.Text)})
			}
		case core.FunctionCallPart:
			var args map[string]any
			if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &args); err != nil {
				args = map[string]any{"input": part.FunctionCall.Arguments}
			}
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: args,
			}})
		}
	}
	return parts
}

func encodeToolResultParts(msg core.Message) []*genai.Part {
	var parts []*genai.Part
	for _, p := range msg.Parts {
		fr, ok := p.(core.FunctionResponsePart)
		if !ok {
			continue
		}
		response := map[string]any{"output": fr.FunctionResponse.Response}
		if fr.FunctionResponse.IsError {
			response = map[string]any{"error": fr.FunctionResponse.Response}
		}
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       fr.FunctionResponse.ID,
			Name:     fr.FunctionResponse.Name,
			Response: response,
		}})
	}
	return parts
}

func stripCacheMarker(text string) string {
	return strings.ReplaceAll(text, core.CacheMarker, "")
}

// clampInt32 caps an int64 token count at the wire type's maximum.
func clampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func buildTools(defs []model.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(defs))
	for i, def := range defs {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 def.Function.Name,
			Description:          def.Function.Description,
			ParametersJsonSchema: def.Function.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// chunkMapper assigns synthetic block indices to Gemini parts, which arrive
// without any. Consecutive parts of the same kind share an index; a kind
// change or a function call opens a fresh block.
type chunkMapper struct {
	nextIndex int
	curIndex  int
	curKind   stream.BlockKind
}

func newChunkMapper() *chunkMapper {
	return &chunkMapper{curIndex: -1, curKind: stream.BlockNone}
}

func (cm *chunkMapper) open(kind stream.BlockKind) (int, bool) {
	if cm.curIndex >= 0 && cm.curKind == kind && kind != stream.BlockToolUse {
		return cm.curIndex, false
	}
	cm.curIndex = cm.nextIndex
	cm.nextIndex++
	cm.curKind = kind
	return cm.curIndex, true
}

// mapChunk translates one Gemini response chunk into normalized events.
func (cm *chunkMapper) mapChunk(resp *genai.GenerateContentResponse) []stream.Event {
	var events []stream.Event
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				events = append(events, cm.mapPart(part)...)
			}
		}
		if cand.FinishReason != "" {
			events = append(events, stream.Event{
				Kind:       stream.EventMessageDelta,
				StopReason: normalizeFinishReason(string(cand.FinishReason)),
			})
		}
	}
	if um := resp.UsageMetadata; um != nil {
		events = append(events, stream.Event{
			Kind: stream.EventMessageDelta,
			Usage: &model.Usage{
				InputTokens:     int(um.PromptTokenCount),
				OutputTokens:    int(um.CandidatesTokenCount) + int(um.ThoughtsTokenCount),
				CacheReadTokens: int(um.CachedContentTokenCount),
			},
		})
	}
	return events
}

func (cm *chunkMapper) mapPart(part *genai.Part) []stream.Event {
	switch {
	case part.FunctionCall != nil:
		args := "{}"
		if len(part.FunctionCall.Args) > 0 {
			if b, err := json.Marshal(part.FunctionCall.Args); err == nil {
				args = string(b)
			}
		}
		index, _ := cm.open(stream.BlockToolUse)
		return []stream.Event{
			{
				Kind:     stream.EventBlockStart,
				Index:    index,
				Block:    stream.BlockToolUse,
				ToolID:   part.FunctionCall.ID,
				ToolName: part.FunctionCall.Name,
			},
			{Kind: stream.EventBlockDelta, Index: index, ArgsFragment: args},
		}
	case part.Thought && part.Text != "":
		index, opened := cm.open(stream.BlockReasoning)
		events := []stream.Event{}
		if opened {
			events = append(events, stream.Event{Kind: stream.EventBlockStart, Index: index, Block: stream.BlockReasoning})
		}
		events = append(events, stream.Event{Kind: stream.EventBlockDelta, Index: index, Reasoning: part.Text})
		if len(part.ThoughtSignature) > 0 {
			events = append(events, stream.Event{Kind: stream.EventBlockDelta, Index: index, Signature: string(part.ThoughtSignature)})
		}
		return events
	case part.Text != "":
		index, opened := cm.open(stream.BlockText)
		events := []stream.Event{}
		if opened {
			events = append(events, stream.Event{Kind: stream.EventBlockStart, Index: index, Block: stream.BlockText})
		}
		events = append(events, stream.Event{Kind: stream.EventBlockDelta, Index: index, Text: part.Text})
		return events
	}
	return nil
}

func (m *Model) handleStreaming(
	ctx context.Context,
	req model.Request,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	out chan<- model.Delta,
	errCh chan<- error,
) {
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

	if err := demux.Handle(stream.Event{Kind: stream.EventMessageStart}); err != nil {
		errCh <- err
		return
	}

	mapper := newChunkMapper()
	for resp, err := range m.client.Models.GenerateContentStream(ctx, m.opts.Model, contents, config) {
		if err != nil {
			errCh <- translateError(err)
			return
		}
		for _, ev := range mapper.mapChunk(resp) {
			if err := demux.Handle(ev); err != nil {
				errCh <- err
				return
			}
		}
	}
	if err := demux.Finish(); err != nil {
		errCh <- err
	}
}

func (m *Model) handleNonStreaming(
	ctx context.Context,
	req model.Request,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	out chan<- model.Delta,
	errCh chan<- error,
) {
	resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, contents, config)
	if err != nil {
		errCh <- translateError(err)
		return
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		errCh <- fmt.Errorf("no candidates returned")
		return
	}
	cand := resp.Candidates[0]

	var (
		parts     []core.Part
		toolCalls []core.FunctionCall
		segments  []model.ReasoningSegment
	)
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				if b, err := json.Marshal(part.FunctionCall.Args); err == nil {
					args = string(b)
				}
			}
			toolCalls = append(toolCalls, core.FunctionCall{
				ID:        part.FunctionCall.ID,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Thought && part.Text != "":
			segments = append(segments, model.ReasoningSegment{
				Kind:      model.ReasoningKindVisible,
				Text:      part.Text,
				Signature: string(part.ThoughtSignature),
			})
		case part.Text != "":
			parts = append(parts, core.TextPart{Text: part.Text})
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

	var usage model.Usage
	if um := resp.UsageMetadata; um != nil {
		usage = model.Usage{
			InputTokens:     int(um.PromptTokenCount),
			OutputTokens:    int(um.CandidatesTokenCount) + int(um.ThoughtsTokenCount),
			CacheReadTokens: int(um.CachedContentTokenCount),
		}
	}
	usage = usage.Reconciled()

	msg := core.Message{Role: core.RoleAssistant, Parts: parts}
	out <- model.Delta{
		Type:         model.DeltaTypeFinal,
		Message:      &msg,
		ToolCalls:    toolCalls,
		FinishReason: normalizeFinishReason(string(cand.FinishReason)),
		Usage:        &usage,
	}
}

// normalizeFinishReason maps Gemini finish reasons to the canonical set.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return model.FinishReasonStop
	case "MAX_TOKENS":
		return model.FinishReasonLength
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return model.FinishReasonContentFilter
	default:
		return reason
	}
}

// translateError maps genai API and transport failures onto the canonical
// error taxonomy; unrecognized errors propagate unmodified.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.Code == 429:
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		case apierr.Code == 401 || apierr.Code == 403:
			return fmt.Errorf("%w: %w", model.ErrAuth, err)
		case apierr.Code == 400 || apierr.Code == 404 || apierr.Code == 422:
			return fmt.Errorf("%w: %w", model.ErrBadRequest, err)
		case apierr.Code >= 500:
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

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "gemini",
		SupportsTools: true,
	}
}
