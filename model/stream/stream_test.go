package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/modelrelay/model"
)

func collector() (*[]model.Delta, func(model.Delta) error) {
	deltas := &[]model.Delta{}
	return deltas, func(d model.Delta) error {
		*deltas = append(*deltas, d)
		return nil
	}
}

func finalOf(t *testing.T, deltas []model.Delta) model.Delta {
	t.Helper()
	require.NotEmpty(t, deltas)
	last := deltas[len(deltas)-1]
	require.Equal(t, model.DeltaTypeFinal, last.Type)
	return last
}

func TestDemuxTextThenToolCall(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test", EmitsBlockStop: true, Reasoning: true}, emit)

	events := []Event{
		{Kind: EventMessageStart, Usage: &model.Usage{InputTokens: 1000}},
		{Kind: EventBlockStart, Index: 0, Block: BlockText},
		{Kind: EventBlockDelta, Index: 0, Text: "Hello "},
		{Kind: EventBlockDelta, Index: 0, Text: "world"},
		{Kind: EventBlockStop, Index: 0},
		{Kind: EventBlockStart, Index: 1, Block: BlockToolUse, ToolID: "toolu_01", ToolName: "get_weather"},
		{Kind: EventBlockDelta, Index: 1, ArgsFragment: `{"location":`},
		{Kind: EventBlockDelta, Index: 1, ArgsFragment: `"Berlin"}`},
		{Kind: EventBlockStop, Index: 1},
		{Kind: EventMessageDelta, StopReason: model.FinishReasonToolCalls, Usage: &model.Usage{OutputTokens: 42}},
		{Kind: EventMessageStop},
	}
	for _, ev := range events {
		require.NoError(t, d.Handle(ev))
	}

	// Text fragments are forwarded as they arrive; tool arguments are not.
	require.Len(t, *deltas, 3)
	assert.Equal(t, "Hello ", (*deltas)[0].Text)
	assert.Equal(t, "world", (*deltas)[1].Text)

	final := finalOf(t, *deltas)
	assert.Equal(t, 2, final.BlockIndex)
	assert.Equal(t, model.FinishReasonToolCalls, final.FinishReason)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "toolu_01", final.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", final.ToolCalls[0].Name)
	assert.Equal(t, `{"location":"Berlin"}`, final.ToolCalls[0].Arguments)

	require.NotNil(t, final.Message)
	assert.Equal(t, "Hello world", final.Message.Text())
	require.Len(t, final.Message.ToolCalls(), 1)

	require.NotNil(t, final.Usage)
	assert.Equal(t, 1000, final.Usage.InputTokens)
	assert.Equal(t, 42, final.Usage.OutputTokens)
	assert.Equal(t, 1000, final.Usage.BilledInputTokens)
}

func TestDemuxReasoningBoundaries(t *testing.T) {
	deltas, emit := collector()
	cache := model.NewReasoningCache()
	d := NewDemux(Profile{Provider: "test", Reasoning: true}, emit, func(o *Options) {
		o.Cache = cache
	})

	events := []Event{
		{Kind: EventMessageStart},
		{Kind: EventBlockStart, Index: 0, Block: BlockReasoning},
		{Kind: EventBlockDelta, Index: 0, Reasoning: "thinking "},
		{Kind: EventBlockDelta, Index: 0, Reasoning: "hard"},
		{Kind: EventBlockDelta, Index: 0, Signature: "sig123"},
		// No explicit stop; the next index must close the reasoning block.
		{Kind: EventBlockStart, Index: 1, Block: BlockToolUse, ToolID: "toolu_02", ToolName: "lookup"},
		{Kind: EventBlockDelta, Index: 1, ArgsFragment: `{}`},
		{Kind: EventMessageStop},
	}
	for _, ev := range events {
		require.NoError(t, d.Handle(ev))
	}

	var types []model.DeltaType
	for _, dl := range *deltas {
		types = append(types, dl.Type)
	}
	assert.Equal(t, []model.DeltaType{
		model.DeltaTypeReasoningStart,
		model.DeltaTypeReasoning,
		model.DeltaTypeReasoning,
		model.DeltaTypeReasoningEnd,
		model.DeltaTypeFinal,
	}, types)

	// Turn produced both tool calls and reasoning, so the cache holds the turn.
	require.False(t, cache.Empty())
	segs := cache.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, model.ReasoningKindVisible, segs[0].Kind)
	assert.Equal(t, "thinking hard", segs[0].Text)
	assert.Equal(t, "sig123", segs[0].Signature)
}

func TestDemuxRedactedReasoningPlaceholder(t *testing.T) {
	deltas, emit := collector()
	cache := model.NewReasoningCache()
	d := NewDemux(Profile{Provider: "test", Reasoning: true}, emit, func(o *Options) {
		o.Cache = cache
	})

	events := []Event{
		{Kind: EventMessageStart},
		{Kind: EventBlockStart, Index: 0, Block: BlockRedactedReasoning, Data: "opaque-bytes"},
		{Kind: EventBlockStart, Index: 1, Block: BlockToolUse, ToolID: "toolu_03", ToolName: "search"},
		{Kind: EventMessageStop},
	}
	for _, ev := range events {
		require.NoError(t, d.Handle(ev))
	}

	require.GreaterOrEqual(t, len(*deltas), 2)
	assert.Equal(t, model.DeltaTypeReasoningStart, (*deltas)[0].Type)
	assert.Equal(t, model.DeltaTypeReasoning, (*deltas)[1].Type)
	assert.Equal(t, model.RedactedReasoningPlaceholder, (*deltas)[1].Text)

	// No reasoning_end boundary for redacted blocks.
	for _, dl := range *deltas {
		assert.NotEqual(t, model.DeltaTypeReasoningEnd, dl.Type)
	}

	segs := cache.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, model.ReasoningKindRedacted, segs[0].Kind)
	assert.Equal(t, "opaque-bytes", segs[0].Data)
}

func TestDemuxEmptyToolArguments(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)

	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventBlockStart, Index: 0, Block: BlockToolUse, ToolID: "toolu_04", ToolName: "noop"}))
	require.NoError(t, d.Finish())

	final := finalOf(t, *deltas)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "{}", final.ToolCalls[0].Arguments)
}

func TestDemuxOrphanArgumentsSynthesizeCall(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)

	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventBlockDelta, Index: 3, ArgsFragment: `{"q":"x"}`}))
	require.NoError(t, d.Finish())

	final := finalOf(t, *deltas)
	require.Len(t, final.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(final.ToolCalls[0].ID, "call_"))
	assert.Equal(t, `{"q":"x"}`, final.ToolCalls[0].Arguments)
}

func TestDemuxRepeatedStartIsContinuation(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)

	events := []Event{
		{Kind: EventMessageStart},
		{Kind: EventBlockStart, Index: 0, Block: BlockToolUse, ToolID: "toolu_05", ToolName: "sum"},
		{Kind: EventBlockDelta, Index: 0, ArgsFragment: `{"a":1`},
		{Kind: EventBlockStart, Index: 0, Block: BlockToolUse},
		{Kind: EventBlockDelta, Index: 0, ArgsFragment: `,"b":2}`},
	}
	for _, ev := range events {
		require.NoError(t, d.Handle(ev))
	}
	require.NoError(t, d.Finish())

	final := finalOf(t, *deltas)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, "toolu_05", final.ToolCalls[0].ID)
	assert.Equal(t, `{"a":1,"b":2}`, final.ToolCalls[0].Arguments)
}

func TestDemuxCacheNeedsToolCallsAndReasoning(t *testing.T) {
	t.Run("reasoning without tool calls", func(t *testing.T) {
		_, emit := collector()
		cache := model.NewReasoningCache()
		d := NewDemux(Profile{Provider: "test", Reasoning: true}, emit, func(o *Options) {
			o.Cache = cache
		})
		require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
		require.NoError(t, d.Handle(Event{Kind: EventBlockStart, Index: 0, Block: BlockReasoning}))
		require.NoError(t, d.Handle(Event{Kind: EventBlockDelta, Index: 0, Reasoning: "idea"}))
		require.NoError(t, d.Finish())
		assert.True(t, cache.Empty())
	})

	t.Run("tool calls without reasoning", func(t *testing.T) {
		_, emit := collector()
		cache := model.NewReasoningCache()
		d := NewDemux(Profile{Provider: "test"}, emit, func(o *Options) {
			o.Cache = cache
		})
		require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
		require.NoError(t, d.Handle(Event{Kind: EventBlockStart, Index: 0, Block: BlockToolUse, ToolID: "toolu_06", ToolName: "f"}))
		require.NoError(t, d.Finish())
		assert.True(t, cache.Empty())
	})
}

func TestDemuxFinishReplacesStaleCache(t *testing.T) {
	_, emit := collector()
	cache := model.NewReasoningCache()
	cache.Store([]model.ReasoningSegment{{Kind: model.ReasoningKindVisible, Text: "prior turn"}})

	d := NewDemux(Profile{Provider: "test", Reasoning: true}, emit, func(o *Options) {
		o.Cache = cache
	})

	// A plain text turn must not leave the previous turn's segments behind.
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventBlockDelta, Index: 0, Text: "just text"}))
	require.NoError(t, d.Finish())

	assert.True(t, cache.Empty())
}

func TestDemuxInfersKindWithoutStartEvent(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)

	// Chat-completions style framing: deltas arrive without start events.
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventBlockDelta, Index: 0, Text: "hi"}))
	require.NoError(t, d.Handle(Event{Kind: EventBlockDelta, Index: 1, ArgsFragment: `{"n":1}`}))
	require.NoError(t, d.Finish())

	final := finalOf(t, *deltas)
	assert.Equal(t, "hi", final.Message.Text())
	require.Len(t, final.ToolCalls, 1)
}

func TestDemuxDefaultFinishReason(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Finish())
	assert.Equal(t, model.FinishReasonStop, finalOf(t, *deltas).FinishReason)
}

func TestDemuxUnknownFinishReasonPassesThrough(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventMessageDelta, StopReason: "pause_turn"}))
	require.NoError(t, d.Finish())
	assert.Equal(t, "pause_turn", finalOf(t, *deltas).FinishReason)
}

func TestDemuxFinishIdempotent(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart}))
	require.NoError(t, d.Handle(Event{Kind: EventMessageStop}))
	require.NoError(t, d.Finish())
	require.NoError(t, d.Finish())

	finals := 0
	for _, dl := range *deltas {
		if dl.Type == model.DeltaTypeFinal {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestDemuxUsageReconciliation(t *testing.T) {
	deltas, emit := collector()
	d := NewDemux(Profile{Provider: "test"}, emit)
	require.NoError(t, d.Handle(Event{Kind: EventMessageStart, Usage: &model.Usage{
		InputTokens:      1000,
		CacheWriteTokens: 200,
		CacheReadTokens:  500,
	}}))
	require.NoError(t, d.Handle(Event{Kind: EventMessageDelta, Usage: &model.Usage{OutputTokens: 77}}))
	require.NoError(t, d.Finish())

	usage := finalOf(t, *deltas).Usage
	require.NotNil(t, usage)
	assert.Equal(t, 1300, usage.BilledInputTokens)
	assert.Equal(t, 77, usage.BilledOutputTokens)
}
