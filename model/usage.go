package model

// Canonical finish reasons. Providers report vendor-specific stop reasons;
// adapters normalize them to this set and pass unknown values through.
const (
	FinishReasonStop          = "stop"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonLength        = "length"
	FinishReasonContentFilter = "content_filter"
)

// Usage captures raw token metrics reported by a provider plus the billed
// counts after cache adjustment. Cache metrics default to zero when the
// provider does not report them.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`

	BilledInputTokens  int `json:"billed_input_tokens"`
	BilledOutputTokens int `json:"billed_output_tokens"`
}

// Reconciled returns a copy with billed counts derived from the raw metrics.
// Cache writes bill at full price plus a 25% premium; cache reads bill at 10%
// of the cached token count. Both adjustments truncate toward zero, matching
// the provider's own invoice arithmetic. Output tokens bill unmodified.
func (u Usage) Reconciled() Usage {
	billed := u.InputTokens
	if u.CacheWriteTokens > 0 {
		billed += u.CacheWriteTokens + u.CacheWriteTokens/4
	}
	if u.CacheReadTokens > 0 {
		billed += u.CacheReadTokens / 10
	}
	u.BilledInputTokens = billed
	u.BilledOutputTokens = u.OutputTokens
	return u
}

// TotalBilledTokens is the sum of billed input and output tokens.
func (u Usage) TotalBilledTokens() int {
	return u.BilledInputTokens + u.BilledOutputTokens
}
