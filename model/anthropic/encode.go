package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/model"
)

// Beta capability tokens. Each independently required capability appends its
// own token to the combined anthropic-beta header value.
const (
	betaExtendedOutput      = "output-128k-2025-02-19"
	betaTokenEfficientTools = "token-efficient-tools-2025-02-19"
	betaLongOutput          = "max-tokens-3-5-sonnet-2024-07-15"
	betaPDFs                = "pdfs-2024-09-25"
)

const (
	modelTokenEfficientTools = "claude-3-7-sonnet-20250219"
	modelLongOutput          = "claude-3-5-sonnet-20240620"
	defaultReasoningBudget   = 1024
)

var supportedImageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// encodeRequest converts the canonical request into Anthropic wire
// parameters plus per-call request options (beta headers). It also applies
// the reasoning-cache decision: cleared when the request does not continue a
// tool round-trip, reinserted into the replayed assistant turn otherwise.
func (m *Model) encodeRequest(ctx context.Context, req model.Request) (*anthropic.MessageNewParams, []option.RequestOption, error) {
	continuation := core.HasToolResult(req.Messages)
	if req.Cache != nil && !continuation {
		// The conversation diverged from the prior tool round-trip.
		req.Cache.Clear()
	}
	var replay []model.ReasoningSegment
	if req.Cache != nil && continuation {
		replay = req.Cache.Segments()
	}

	system, messages, err := m.encodeMessages(ctx, req, replay)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     m.opts.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if req.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(req.User)}
	}

	if req.Reasoning != nil {
		budget := req.Reasoning.BudgetTokens
		if budget <= 0 {
			budget = defaultReasoningBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// Reasoning mode and manual sampling are mutually exclusive; the
		// sampling controls are dropped.
	} else {
		if req.Temperature != nil {
			params.Temperature = anthropic.Float(*req.Temperature)
		}
		if req.TopP != nil {
			params.TopP = anthropic.Float(*req.TopP)
		}
		if req.TopK != nil {
			params.TopK = anthropic.Int(*req.TopK)
		}
	}

	if len(req.Tools) > 0 {
		tools, err := buildTools(req.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.Tools = tools
	}

	var callOpts []option.RequestOption
	if betas := m.betaTokens(req, maxTokens); len(betas) > 0 {
		callOpts = append(callOpts, option.WithHeader("anthropic-beta", strings.Join(betas, ",")))
	}
	return &params, callOpts, nil
}

// betaTokens collects the capability tokens required by this request.
func (m *Model) betaTokens(req model.Request, maxTokens int64) []string {
	var betas []string
	if req.ExtendedOutput {
		betas = append(betas, betaExtendedOutput)
	}
	if string(m.opts.Model) == modelTokenEfficientTools && len(req.Tools) > 0 {
		betas = append(betas, betaTokenEfficientTools)
	}
	if string(m.opts.Model) == modelLongOutput && maxTokens > 4096 {
		betas = append(betas, betaLongOutput)
	}
	if core.HasDocument(req.Messages) {
		betas = append(betas, betaPDFs)
	}
	return betas
}

// encodeMessages converts canonical messages to the Anthropic wire form.
// System turns collect into the dedicated system field; consecutive
// same-role wire turns coalesce into one to keep strict role alternation.
func (m *Model) encodeMessages(ctx context.Context, req model.Request, replay []model.ReasoningSegment) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	replayTarget := lastToolCallTurn(req.Messages)

	appendTurn := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case core.RoleSystem:
			for _, p := range msg.Parts {
				tp, ok := p.(core.TextPart)
				if !ok {
					return nil, nil, fmt.Errorf("%w: system messages accept text parts only", model.ErrUnsupportedContent)
				}
				text, hint := stripCacheMarker(tp.Text, tp.CacheHint)
				block := anthropic.TextBlockParam{Text: strings.TrimSpace(text)}
				if hint {
					block.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				system = append(system, block)
			}
		case core.RoleUser:
			blocks, err := m.encodeUserParts(ctx, req, msg.Parts)
			if err != nil {
				return nil, nil, err
			}
			appendTurn(anthropic.MessageParamRoleUser, blocks)
		case core.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if i == replayTarget {
				blocks = append(blocks, reasoningBlocks(replay)...)
			}
			encoded, err := encodeAssistantParts(msg.Parts)
			if err != nil {
				return nil, nil, err
			}
			blocks = append(blocks, encoded...)
			appendTurn(anthropic.MessageParamRoleAssistant, blocks)
		case core.RoleTool:
			blocks := encodeToolResultParts(msg.Parts)
			appendTurn(anthropic.MessageParamRoleUser, blocks)
		default:
			return nil, nil, fmt.Errorf("%w: unknown message role %q", model.ErrUnsupportedContent, msg.Role)
		}
	}
	return system, messages, nil
}

// lastToolCallTurn returns the index of the last assistant message carrying
// tool calls, or -1. Cached reasoning segments replay as that turn's leading
// content.
func lastToolCallTurn(msgs []core.Message) int {
	target := -1
	for i, m := range msgs {
		if m.Role != core.RoleAssistant {
			continue
		}
		if len(m.ToolCalls()) > 0 {
			target = i
		}
	}
	return target
}

func reasoningBlocks(segs []model.ReasoningSegment) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(segs))
	for _, seg := range segs {
		switch seg.Kind {
		case model.ReasoningKindVisible:
			blocks = append(blocks, anthropic.NewThinkingBlock(seg.Signature, seg.Text))
		case model.ReasoningKindRedacted:
			blocks = append(blocks, anthropic.NewRedactedThinkingBlock(seg.Data))
		}
	}
	return blocks
}

func (m *Model) encodeUserParts(ctx context.Context, req model.Request, parts []core.Part) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text == "" {
				continue
			}
			blocks = append(blocks, textBlock(part))
		case core.ImagePart:
			block, err := m.encodeImagePart(ctx, req, part)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		case core.DocumentPart:
			if part.MimeType != "application/pdf" {
				return nil, fmt.Errorf("%w: unsupported document type %s, only application/pdf is supported",
					model.ErrUnsupportedContent, part.MimeType)
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfDocument: &anthropic.DocumentBlockParam{
					Source: anthropic.DocumentBlockParamSourceUnion{
						OfBase64: &anthropic.Base64PDFSourceParam{
							Data: base64.StdEncoding.EncodeToString(part.Data),
						},
					},
				},
			})
		default:
			return nil, fmt.Errorf("%w: unsupported user content part %T", model.ErrUnsupportedContent, p)
		}
	}
	return blocks, nil
}

func (m *Model) encodeImagePart(ctx context.Context, req model.Request, part core.ImagePart) (anthropic.ContentBlockParamUnion, error) {
	data := part.Data
	mimeType := part.MimeType
	if len(data) == 0 {
		if part.URI == "" {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("%w: image part carries neither bytes nor uri", model.ErrUnsupportedContent)
		}
		if req.Fetcher == nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("%w: image part supplied by uri but no fetcher configured", model.ErrUnsupportedContent)
		}
		fetched, fetchedMime, err := req.Fetcher.Fetch(ctx, part.URI)
		if err != nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("fetch image %s: %w", part.URI, err)
		}
		data = fetched
		if fetchedMime != "" {
			mimeType = fetchedMime
		}
	}
	if !supportedImageMimeTypes[mimeType] {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf(
			"%w: unsupported image type %s, only image/jpeg, image/png, image/gif and image/webp are supported",
			model.ErrUnsupportedContent, mimeType)
	}
	return anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(data)), nil
}

func encodeAssistantParts(parts []core.Part) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text == "" {
				continue
			}
			blocks = append(blocks, textBlock(part))
		case core.FunctionCallPart:
			var input interface{}
			if part.FunctionCall.Arguments != "" {
				if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &input); err != nil {
					input = part.FunctionCall.Arguments // fallback to string
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(
				part.FunctionCall.ID,
				input,
				part.FunctionCall.Name,
			))
		default:
			return nil, fmt.Errorf("%w: unsupported assistant content part %T", model.ErrUnsupportedContent, p)
		}
	}
	return blocks, nil
}

func encodeToolResultParts(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		fr, ok := p.(core.FunctionResponsePart)
		if !ok {
			continue
		}
		content, hint := stripCacheMarker(fr.FunctionResponse.Response, fr.FunctionResponse.CacheHint)
		block := anthropic.NewToolResultBlock(fr.FunctionResponse.ID, content, fr.FunctionResponse.IsError)
		if hint && block.OfToolResult != nil {
			block.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func textBlock(part core.TextPart) anthropic.ContentBlockParamUnion {
	text, hint := stripCacheMarker(part.Text, part.CacheHint)
	block := anthropic.NewTextBlock(text)
	if hint && block.OfText != nil {
		block.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return block
}

// stripCacheMarker removes the inline cache marker from text and reports
// whether the part is cache-eligible (marker present or hint set).
func stripCacheMarker(text string, hint bool) (string, bool) {
	if strings.Contains(text, core.CacheMarker) {
		return strings.ReplaceAll(text, core.CacheMarker, ""), true
	}
	return text, hint
}

// buildTools converts tool definitions to the Anthropic dialect, translating
// each parameter schema through translateToolSchema.
func buildTools(tools []model.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema, err := translateToolSchema(tool.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", tool.Function.Name, err)
		}

		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if properties, exists := schema["properties"]; exists {
			inputSchema.Properties = properties
		}
		if required, exists := schema["required"]; exists {
			if reqSlice, ok := required.([]string); ok {
				inputSchema.Required = reqSlice
			} else if reqInterface, ok := required.([]interface{}); ok {
				var reqStrings []string
				for _, r := range reqInterface {
					if s, ok := r.(string); ok {
						reqStrings = append(reqStrings, s)
					}
				}
				inputSchema.Required = reqStrings
			}
		}

		u := anthropic.ToolUnionParamOfTool(inputSchema, tool.Function.Name)
		if u.OfTool != nil && tool.Function.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		anthropicTools[i] = u
	}
	return anthropicTools, nil
}

// translateToolSchema rewrites non-standard parameter types into the JSON
// Schema subset Anthropic validates. The schema passes through a marshal
// round-trip so the caller's map is never mutated; gjson/sjson operate on
// the raw form. A "select" type downgrades to a string with an enum derived
// from its option list, else from a supplied default, else a single
// empty-string fallback, never an empty enumeration.
func translateToolSchema(params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	props := gjson.GetBytes(raw, "properties")
	props.ForEach(func(key, prop gjson.Result) bool {
		if prop.Get("type").String() != "select" {
			return true
		}
		path := "properties." + key.String()
		raw, _ = sjson.SetBytes(raw, path+".type", "string")

		if !prop.Get("enum").Exists() {
			var values []string
			for _, opt := range prop.Get("options").Array() {
				if v := opt.Get("value"); v.Exists() {
					values = append(values, v.String())
				}
			}
			if len(values) > 0 {
				raw, _ = sjson.SetBytes(raw, path+".enum", values)
			}
		}
		if !gjson.GetBytes(raw, path+".enum").Exists() {
			if def := gjson.GetBytes(raw, path+".default"); def.Exists() {
				raw, _ = sjson.SetBytes(raw, path+".enum", []string{def.String()})
			} else {
				raw, _ = sjson.SetBytes(raw, path+".enum", []string{""})
			}
		}
		return true
	})

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
