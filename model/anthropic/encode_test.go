package anthropic

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/model"
)

// Compile-time interface check.
var _ model.Model = (*Model)(nil)

func testModel() *Model {
	return NewModel(func(o *Options) {
		o.APIKey = "test-key"
	})
}

func TestEncodeMessagesCoalescesSameRole(t *testing.T) {
	m := testModel()
	req := model.Request{Messages: []core.Message{
		core.NewSystemMessage("be brief"),
		core.NewUserTextMessage("question"),
		core.NewAssistantMessage(
			core.TextPart{Text: "checking"},
			core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}},
		),
		// Tool results encode as user turns and must merge with an adjacent
		// user message to keep strict role alternation.
		core.NewToolResultMessage("c1", "lookup", "result"),
		core.NewUserTextMessage("and now?"),
	}}

	system, messages, err := m.encodeMessages(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, system, 1)
	assert.Equal(t, "be brief", system[0].Text)

	require.Len(t, messages, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, messages[1].Role)
	assert.Equal(t, anthropic.MessageParamRoleUser, messages[2].Role)
	// tool result block + follow-up text merged into one user turn
	assert.Len(t, messages[2].Content, 2)
}

func TestEncodeMessagesReplaysReasoning(t *testing.T) {
	m := testModel()
	req := model.Request{Messages: []core.Message{
		core.NewUserTextMessage("question"),
		core.NewAssistantMessage(core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "c1", Name: "lookup", Arguments: "{}"}}),
		core.NewToolResultMessage("c1", "lookup", "result"),
	}}
	replay := []model.ReasoningSegment{
		{Kind: model.ReasoningKindVisible, Text: "prior thoughts", Signature: "sig"},
		{Kind: model.ReasoningKindRedacted, Data: "opaque"},
	}

	_, messages, err := m.encodeMessages(context.Background(), req, replay)
	require.NoError(t, err)

	require.Len(t, messages, 3)
	assistant := messages[1]
	require.Len(t, assistant.Content, 3)
	assert.NotNil(t, assistant.Content[0].OfThinking)
	assert.NotNil(t, assistant.Content[1].OfRedactedThinking)
	assert.NotNil(t, assistant.Content[2].OfToolUse)
}

func TestEncodeRequestClearsCacheWithoutToolResult(t *testing.T) {
	m := testModel()
	cache := model.NewReasoningCache()
	cache.Store([]model.ReasoningSegment{{Kind: model.ReasoningKindVisible, Text: "stale"}})

	req := model.Request{
		Messages: []core.Message{core.NewUserTextMessage("fresh question")},
		Cache:    cache,
	}
	_, _, err := m.encodeRequest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, cache.Empty())
}

func TestEncodeRequestReasoningDropsSampling(t *testing.T) {
	m := testModel()
	temp := 0.7
	topP := 0.9
	req := model.Request{
		Messages:    []core.Message{core.NewUserTextMessage("hi")},
		Temperature: &temp,
		TopP:        &topP,
		Reasoning:   &model.ReasoningConfig{BudgetTokens: 2048},
	}

	params, _, err := m.encodeRequest(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, params.Thinking.OfEnabled)
	assert.Equal(t, int64(2048), params.Thinking.OfEnabled.BudgetTokens)
	assert.False(t, params.Temperature.Valid())
	assert.False(t, params.TopP.Valid())
}

func TestBetaTokens(t *testing.T) {
	tools := []model.ToolDefinition{{
		Type:     "function",
		Function: model.FunctionDefinition{Name: "f", Parameters: map[string]interface{}{"type": "object"}},
	}}

	t.Run("extended output", func(t *testing.T) {
		m := testModel()
		betas := m.betaTokens(model.Request{ExtendedOutput: true}, 4096)
		assert.Equal(t, []string{betaExtendedOutput}, betas)
	})

	t.Run("token efficient tools requires model and tools", func(t *testing.T) {
		m := NewModel(func(o *Options) {
			o.APIKey = "test-key"
			o.Model = modelTokenEfficientTools
		})
		assert.Empty(t, m.betaTokens(model.Request{}, 4096))
		assert.Equal(t, []string{betaTokenEfficientTools}, m.betaTokens(model.Request{Tools: tools}, 4096))
	})

	t.Run("long output requires model and large cap", func(t *testing.T) {
		m := NewModel(func(o *Options) {
			o.APIKey = "test-key"
			o.Model = modelLongOutput
		})
		assert.Empty(t, m.betaTokens(model.Request{}, 4096))
		assert.Equal(t, []string{betaLongOutput}, m.betaTokens(model.Request{}, 8192))
	})

	t.Run("documents enable pdfs", func(t *testing.T) {
		m := testModel()
		betas := m.betaTokens(model.Request{Messages: []core.Message{
			core.NewUserMessage(core.DocumentPart{Data: []byte("%PDF"), MimeType: "application/pdf"}),
		}}, 4096)
		assert.Equal(t, []string{betaPDFs}, betas)
	})
}

func TestStripCacheMarker(t *testing.T) {
	text, hint := stripCacheMarker("persistent context <cache>", false)
	assert.Equal(t, "persistent context ", text)
	assert.True(t, hint)

	text, hint = stripCacheMarker("plain", true)
	assert.Equal(t, "plain", text)
	assert.True(t, hint)

	text, hint = stripCacheMarker("plain", false)
	assert.Equal(t, "plain", text)
	assert.False(t, hint)
}

func TestEncodeUserPartsRejectsNonPDFDocuments(t *testing.T) {
	m := testModel()
	_, err := m.encodeUserParts(context.Background(), model.Request{}, []core.Part{
		core.DocumentPart{Data: []byte("hello"), MimeType: "text/plain"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnsupportedContent)
}

func TestEncodeImagePartRejectsUnsupportedType(t *testing.T) {
	m := testModel()
	_, err := m.encodeImagePart(context.Background(), model.Request{}, core.ImagePart{
		Data:     []byte{0x42, 0x4d},
		MimeType: "image/bmp",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnsupportedContent)
}

type staticFetcher struct {
	data []byte
	mime string
}

func (f staticFetcher) Fetch(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.mime, nil
}

func TestEncodeImagePartFetchesURI(t *testing.T) {
	m := testModel()
	req := model.Request{Fetcher: staticFetcher{data: []byte{0x89, 0x50}, mime: "image/png"}}

	block, err := m.encodeImagePart(context.Background(), req, core.ImagePart{URI: "https://example.com/a.png"})
	require.NoError(t, err)
	require.NotNil(t, block.OfImage)
}

func TestTranslateToolSchemaSelectWithOptions(t *testing.T) {
	out, err := translateToolSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"unit": map[string]interface{}{
				"type": "select",
				"options": []interface{}{
					map[string]interface{}{"value": "celsius"},
					map[string]interface{}{"value": "fahrenheit"},
				},
			},
		},
	})
	require.NoError(t, err)

	prop := out["properties"].(map[string]interface{})["unit"].(map[string]interface{})
	assert.Equal(t, "string", prop["type"])
	assert.Equal(t, []interface{}{"celsius", "fahrenheit"}, prop["enum"])
}

func TestTranslateToolSchemaSelectWithDefaultOnly(t *testing.T) {
	out, err := translateToolSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type":    "select",
				"default": "fast",
			},
		},
	})
	require.NoError(t, err)

	prop := out["properties"].(map[string]interface{})["mode"].(map[string]interface{})
	assert.Equal(t, "string", prop["type"])
	assert.Equal(t, []interface{}{"fast"}, prop["enum"])
}

func TestTranslateToolSchemaSelectNeverEmptyEnum(t *testing.T) {
	out, err := translateToolSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"bare": map[string]interface{}{"type": "select"},
		},
	})
	require.NoError(t, err)

	prop := out["properties"].(map[string]interface{})["bare"].(map[string]interface{})
	assert.Equal(t, []interface{}{""}, prop["enum"])
}

func TestTranslateToolSchemaLeavesStandardTypesAlone(t *testing.T) {
	in := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"q": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"q"},
	}
	out, err := translateToolSchema(in)
	require.NoError(t, err)

	prop := out["properties"].(map[string]interface{})["q"].(map[string]interface{})
	assert.Equal(t, "string", prop["type"])
	_, hasEnum := prop["enum"]
	assert.False(t, hasEnum)
}
