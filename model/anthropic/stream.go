package anthropic

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/modelrelay/model"
	"github.com/hupe1980/modelrelay/model/stream"
)

// streamProfile describes the Anthropic Messages event surface for the
// shared demux: explicit block stops and native reasoning blocks.
var streamProfile = stream.Profile{
	Provider:       "anthropic",
	EmitsBlockStop: true,
	Reasoning:      true,
}

// mapEvent translates one SDK stream event into the normalized event form.
// The second return is false for event kinds the normalizer does not consume
// (ping and friends).
func mapEvent(union anthropic.MessageStreamEventUnion) (stream.Event, bool) {
	switch ev := union.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return stream.Event{
			Kind: stream.EventMessageStart,
			Usage: &model.Usage{
				InputTokens:      int(ev.Message.Usage.InputTokens),
				CacheWriteTokens: int(ev.Message.Usage.CacheCreationInputTokens),
				CacheReadTokens:  int(ev.Message.Usage.CacheReadInputTokens),
			},
		}, true
	case anthropic.ContentBlockStartEvent:
		out := stream.Event{Kind: stream.EventBlockStart, Index: int(ev.Index)}
		switch block := ev.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			out.Block = stream.BlockToolUse
			out.ToolID = block.ID
			out.ToolName = block.Name
		case anthropic.ThinkingBlock:
			out.Block = stream.BlockReasoning
		case anthropic.RedactedThinkingBlock:
			out.Block = stream.BlockRedactedReasoning
			out.Data = block.Data
		default:
			out.Block = stream.BlockText
		}
		return out, true
	case anthropic.ContentBlockDeltaEvent:
		out := stream.Event{Kind: stream.EventBlockDelta, Index: int(ev.Index)}
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			out.Text = delta.Text
		case anthropic.InputJSONDelta:
			out.ArgsFragment = delta.PartialJSON
		case anthropic.ThinkingDelta:
			out.Reasoning = delta.Thinking
		case anthropic.SignatureDelta:
			out.Signature = delta.Signature
		default:
			return stream.Event{}, false
		}
		return out, true
	case anthropic.ContentBlockStopEvent:
		return stream.Event{Kind: stream.EventBlockStop, Index: int(ev.Index)}, true
	case anthropic.MessageDeltaEvent:
		return stream.Event{
			Kind:       stream.EventMessageDelta,
			StopReason: normalizeFinishReason(string(ev.Delta.StopReason)),
			Usage: &model.Usage{
				OutputTokens:     int(ev.Usage.OutputTokens),
				CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
				CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			},
		}, true
	case anthropic.MessageStopEvent:
		return stream.Event{Kind: stream.EventMessageStop}, true
	default:
		return stream.Event{}, false
	}
}

// normalizeFinishReason maps Anthropic stop reasons to the canonical set.
// Unknown reasons pass through unmodified.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return model.FinishReasonStop
	case "tool_use":
		return model.FinishReasonToolCalls
	case "max_tokens":
		return model.FinishReasonLength
	case "refusal":
		return model.FinishReasonContentFilter
	default:
		return reason
	}
}
