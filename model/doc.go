// Package model defines the provider-agnostic abstractions for converting
// canonical conversations to and from backend generative-text services.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool / function call representation across vendors
//   - Reconcile raw token metrics into billed usage (cache write premium,
//     cache read discount)
//   - Carry reasoning segments across tool round-trips via ReasoningCache
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (Anthropic, OpenAI, Gemini) implement the Model interface from
// this package so callers remain decoupled from vendor SDKs. The streaming
// normalizer shared by all providers lives in model/stream.
package model
