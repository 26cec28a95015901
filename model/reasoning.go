package model

// ReasoningKind discriminates reasoning segment variants.
type ReasoningKind string

const (
	// ReasoningKindVisible is reasoning text streamed to the caller.
	ReasoningKindVisible ReasoningKind = "visible"
	// ReasoningKindRedacted is reasoning the provider withheld; only an
	// opaque payload is available for replay.
	ReasoningKindRedacted ReasoningKind = "redacted"
)

// ReasoningSegment is one reasoning block produced by an assistant turn.
// Visible segments accumulate text across events and may carry an opaque
// signature; redacted segments carry only the provider's opaque payload.
type ReasoningSegment struct {
	Kind      ReasoningKind `json:"kind"`
	Text      string        `json:"text,omitempty"`
	Signature string        `json:"signature,omitempty"`
	Data      string        `json:"data,omitempty"` // Opaque redacted payload
}

// ReasoningCache holds reasoning segments between the assistant turn that
// produced them and the next encoding decision. Segments are retained only
// when that next turn continues a tool round-trip; encoders clear the cache
// otherwise.
//
// The cache is exclusively owned by one conversation session and is read,
// conditionally cleared and rewritten without locking on each turn. It must
// never be shared across sessions or concurrent streams.
type ReasoningCache struct {
	segments []ReasoningSegment
}

// NewReasoningCache constructs an empty cache.
func NewReasoningCache() *ReasoningCache { return &ReasoningCache{} }

// Store replaces the cached segments with those of the turn that just ended.
func (c *ReasoningCache) Store(segs []ReasoningSegment) {
	c.segments = append([]ReasoningSegment(nil), segs...)
}

// Segments returns the cached segments in production order.
func (c *ReasoningCache) Segments() []ReasoningSegment {
	return c.segments
}

// Clear discards all cached segments.
func (c *ReasoningCache) Clear() { c.segments = nil }

// Empty reports whether the cache holds no segments.
func (c *ReasoningCache) Empty() bool { return len(c.segments) == 0 }
