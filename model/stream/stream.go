// Package stream implements the provider-independent streaming normalizer:
// a single state machine that ingests low-level provider events and
// reconstructs canonical delta sequences (text, tool invocations, reasoning
// segments) plus a final usage summary.
//
// Provider adapters translate their SDK's event framing into Event values
// and feed them to a Demux; the machine owns block bookkeeping, tool
// argument buffering, reasoning boundaries and the reasoning-cache handoff,
// so the per-backend code shrinks to a thin event mapping described by a
// Profile.
package stream

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/logging"
	"github.com/hupe1980/modelrelay/model"
)

// BlockKind identifies the content kind of an open block.
type BlockKind int

const (
	// BlockNone is the zero kind; no block is open.
	BlockNone BlockKind = iota
	// BlockText is a visible text block.
	BlockText
	// BlockToolUse is a tool invocation block; arguments arrive as JSON
	// fragments and are buffered until stream end.
	BlockToolUse
	// BlockReasoning is a visible reasoning block bounded by boundary deltas.
	BlockReasoning
	// BlockRedactedReasoning is a withheld reasoning block carrying only an
	// opaque payload.
	BlockRedactedReasoning
)

// EventKind identifies the framing of a provider event after translation.
type EventKind int

const (
	// EventMessageStart opens the assistant message. May carry input-side
	// usage metrics.
	EventMessageStart EventKind = iota
	// EventBlockStart opens a content block at Index.
	EventBlockStart
	// EventBlockDelta carries an incremental payload for the block at Index.
	EventBlockDelta
	// EventBlockStop closes the block at Index. Providers without explicit
	// close framing never emit it; index changes close blocks instead.
	EventBlockStop
	// EventMessageDelta carries stop reason and output-side usage updates.
	EventMessageDelta
	// EventMessageStop ends the stream.
	EventMessageStop
)

// Event is one normalized provider event. Adapters populate only the fields
// meaningful for the event kind; empty payload fields are ignored.
type Event struct {
	Kind  EventKind
	Index int

	// BlockStart fields.
	Block    BlockKind
	ToolID   string
	ToolName string
	Data     string // Opaque redacted-reasoning payload

	// BlockDelta payloads. Exactly one is expected per event.
	Text         string // Visible text fragment
	Reasoning    string // Reasoning text fragment
	ArgsFragment string // Tool argument JSON fragment
	Signature    string // Terminal reasoning signature (no text)

	// MessageStart / MessageDelta fields.
	StopReason string
	Usage      *model.Usage // Raw metrics; non-zero fields merge
}

// Profile describes the event surface of a backend so one machine serves
// heterogeneous framings.
type Profile struct {
	// Provider names the backend in logs and synthesized identifiers.
	Provider string
	// EmitsBlockStop is set when the backend sends explicit block close
	// events. Without it, only index changes and stream end close blocks.
	EmitsBlockStop bool
	// Reasoning is set when the backend can produce reasoning blocks.
	Reasoning bool
}

// Options configure a Demux.
type Options struct {
	// Cache receives reasoning segments at stream end when the turn produced
	// both tool calls and reasoning. Owned by the conversation session.
	Cache *model.ReasoningCache
	// Logger receives diagnostics for malformed event sequences.
	Logger logging.Logger
}

type machineState int

const (
	stateIdle machineState = iota
	stateStarted
	stateFinished
)

type toolBuffer struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Demux is the streaming state machine. One Demux normalizes exactly one
// provider event stream; it is single-threaded and must not be shared.
type Demux struct {
	profile Profile
	emit    func(model.Delta) error
	opts    Options

	state     machineState
	curIndex  int
	curKind   BlockKind
	blockOpen bool
	maxIndex  int

	text       strings.Builder
	tools      map[int]*toolBuffer
	toolOrder  []int
	segments   []model.ReasoningSegment
	stopReason string
	usage      model.Usage
}

// NewDemux builds a machine for one stream. emit is invoked for every
// canonical delta in order; returning an error aborts the stream.
func NewDemux(profile Profile, emit func(model.Delta) error, optFns ...func(o *Options)) *Demux {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Demux{
		profile:  profile,
		emit:     emit,
		opts:     opts,
		curIndex: -1,
		maxIndex: -1,
		tools:    make(map[int]*toolBuffer),
	}
}

// Handle processes one provider event. Events must arrive in stream order.
func (d *Demux) Handle(ev Event) error {
	if d.state == stateFinished {
		d.opts.Logger.Debug("event after message stop ignored", "provider", d.profile.Provider)
		return nil
	}
	switch ev.Kind {
	case EventMessageStart:
		d.state = stateStarted
		d.mergeUsage(ev.Usage)
		return nil
	case EventBlockStart:
		return d.handleBlockStart(ev)
	case EventBlockDelta:
		return d.handleBlockDelta(ev)
	case EventBlockStop:
		return d.closeBlock(ev.Index)
	case EventMessageDelta:
		if ev.StopReason != "" {
			d.stopReason = ev.StopReason
		}
		d.mergeUsage(ev.Usage)
		return nil
	case EventMessageStop:
		return d.Finish()
	default:
		return fmt.Errorf("stream: unknown event kind %d", ev.Kind)
	}
}

func (d *Demux) handleBlockStart(ev Event) error {
	if d.blockOpen && ev.Index == d.curIndex {
		// Repeated index is always continuation of the open block.
		return nil
	}
	if err := d.forceClose(); err != nil {
		return err
	}
	return d.openBlock(ev.Index, ev.Block, ev)
}

func (d *Demux) openBlock(index int, kind BlockKind, ev Event) error {
	d.curIndex = index
	d.curKind = kind
	d.blockOpen = true
	if index > d.maxIndex {
		d.maxIndex = index
	}
	switch kind {
	case BlockToolUse:
		tb, ok := d.tools[index]
		if !ok {
			tb = &toolBuffer{index: index}
			d.tools[index] = tb
			d.toolOrder = append(d.toolOrder, index)
		}
		if ev.ToolID != "" {
			tb.id = ev.ToolID
		}
		if ev.ToolName != "" {
			tb.name = ev.ToolName
		}
	case BlockReasoning:
		d.segments = append(d.segments, model.ReasoningSegment{Kind: model.ReasoningKindVisible})
		return d.emit(model.Delta{BlockIndex: index, Type: model.DeltaTypeReasoningStart})
	case BlockRedactedReasoning:
		d.segments = append(d.segments, model.ReasoningSegment{Kind: model.ReasoningKindRedacted, Data: ev.Data})
		if err := d.emit(model.Delta{BlockIndex: index, Type: model.DeltaTypeReasoningStart}); err != nil {
			return err
		}
		return d.emit(model.Delta{
			BlockIndex: index,
			Type:       model.DeltaTypeReasoning,
			Text:       model.RedactedReasoningPlaceholder,
		})
	}
	return nil
}

func (d *Demux) handleBlockDelta(ev Event) error {
	if !d.blockOpen || ev.Index != d.curIndex {
		// A delta for an unopened index implies the backend skipped the start
		// event. Close whatever is open and infer the block kind from the
		// payload shape.
		if err := d.forceClose(); err != nil {
			return err
		}
		if err := d.openBlock(ev.Index, inferKind(ev), Event{}); err != nil {
			return err
		}
	}
	switch {
	case ev.Text != "":
		d.text.WriteString(ev.Text)
		return d.emit(model.Delta{BlockIndex: ev.Index, Type: model.DeltaTypeText, Text: ev.Text})
	case ev.Reasoning != "":
		if seg := d.lastVisibleSegment(); seg != nil {
			seg.Text += ev.Reasoning
		}
		return d.emit(model.Delta{BlockIndex: ev.Index, Type: model.DeltaTypeReasoning, Text: ev.Reasoning})
	case ev.ArgsFragment != "":
		tb, ok := d.tools[ev.Index]
		if !ok {
			// Fragment without a recorded open event. Buffer it anyway; a
			// synthetic record is emitted at stream end instead of dropping it.
			tb = &toolBuffer{index: ev.Index}
			d.tools[ev.Index] = tb
			d.toolOrder = append(d.toolOrder, ev.Index)
		}
		tb.args.WriteString(ev.ArgsFragment)
		return nil
	case ev.Signature != "":
		if seg := d.lastVisibleSegment(); seg != nil {
			seg.Signature = ev.Signature
		}
		return nil
	default:
		return nil
	}
}

// inferKind maps a delta payload shape onto a block kind when no start event
// preceded it.
func inferKind(ev Event) BlockKind {
	switch {
	case ev.ArgsFragment != "":
		return BlockToolUse
	case ev.Reasoning != "", ev.Signature != "":
		return BlockReasoning
	default:
		return BlockText
	}
}

func (d *Demux) lastVisibleSegment() *model.ReasoningSegment {
	for i := len(d.segments) - 1; i >= 0; i-- {
		if d.segments[i].Kind == model.ReasoningKindVisible {
			return &d.segments[i]
		}
	}
	// Reasoning fragment without an opened reasoning block; create one so the
	// text survives to the cache handoff.
	d.segments = append(d.segments, model.ReasoningSegment{Kind: model.ReasoningKindVisible})
	return &d.segments[len(d.segments)-1]
}

// closeBlock handles an explicit block stop for the given index.
func (d *Demux) closeBlock(index int) error {
	if !d.blockOpen || index != d.curIndex {
		if d.profile.EmitsBlockStop {
			d.opts.Logger.Debug("block stop for unopened index", "provider", d.profile.Provider, "index", index)
		}
		return nil
	}
	return d.forceClose()
}

// forceClose closes the open block, emitting a closing boundary delta when it
// was a visible reasoning block.
func (d *Demux) forceClose() error {
	if !d.blockOpen {
		return nil
	}
	kind, index := d.curKind, d.curIndex
	d.blockOpen = false
	d.curKind = BlockNone
	if kind == BlockReasoning {
		return d.emit(model.Delta{BlockIndex: index, Type: model.DeltaTypeReasoningEnd})
	}
	return nil
}

func (d *Demux) mergeUsage(u *model.Usage) {
	if u == nil {
		return
	}
	if u.InputTokens > 0 {
		d.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		d.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheWriteTokens > 0 {
		d.usage.CacheWriteTokens = u.CacheWriteTokens
	}
	if u.CacheReadTokens > 0 {
		d.usage.CacheReadTokens = u.CacheReadTokens
	}
}

// Finish ends the stream: closes the open block, flushes tool-call argument
// buffers, hands reasoning segments to the cache when the turn produced tool
// calls, and emits the single final delta with the reconciled usage. Safe to
// call once; adapters whose framing lacks a message-stop event call it when
// their iterator is exhausted.
func (d *Demux) Finish() error {
	if d.state == stateFinished {
		return nil
	}
	d.state = stateFinished

	if err := d.forceClose(); err != nil {
		return err
	}

	toolCalls := d.finalizeToolCalls()

	// The turn's output replaces the cache contents: stale segments from a
	// prior turn never survive, and segments are retained only when this turn
	// needs them for a tool round-trip.
	if d.opts.Cache != nil {
		d.opts.Cache.Clear()
		if len(toolCalls) > 0 && len(d.segments) > 0 {
			d.opts.Cache.Store(d.segments)
		}
	}

	finish := d.stopReason
	if finish == "" {
		finish = model.FinishReasonStop
	}

	usage := d.usage.Reconciled()
	msg := d.assembleMessage(toolCalls)
	return d.emit(model.Delta{
		BlockIndex:   d.maxIndex + 1,
		Type:         model.DeltaTypeFinal,
		Message:      &msg,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        &usage,
	})
}

func (d *Demux) finalizeToolCalls() []core.FunctionCall {
	indices := append([]int(nil), d.toolOrder...)
	sort.Ints(indices)
	calls := make([]core.FunctionCall, 0, len(indices))
	for _, idx := range indices {
		tb := d.tools[idx]
		args := strings.TrimSpace(tb.args.String())
		if args == "" {
			args = "{}"
		}
		if !gjson.Valid(args) {
			d.opts.Logger.Warn("tool call arguments are not valid JSON",
				"provider", d.profile.Provider, "tool", tb.name, "index", idx)
		}
		id := tb.id
		if id == "" {
			// Orphan buffer never tied to an open event; synthesize a record
			// rather than dropping accounted content.
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, core.FunctionCall{ID: id, Name: tb.name, Arguments: args})
	}
	return calls
}

func (d *Demux) assembleMessage(toolCalls []core.FunctionCall) core.Message {
	parts := make([]core.Part, 0, len(toolCalls)+1)
	if d.text.Len() > 0 {
		parts = append(parts, core.TextPart{Text: d.text.String()})
	}
	for _, tc := range toolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: tc})
	}
	return core.Message{Role: core.RoleAssistant, Parts: parts}
}

// Usage returns the raw usage accumulated so far. Exposed for adapters that
// report interim metrics.
func (d *Demux) Usage() model.Usage { return d.usage }
