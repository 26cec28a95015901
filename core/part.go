package core

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// CacheMarker is the inline marker callers embed in text to flag it as
// eligible for provider-side prompt caching. Encoders strip the marker
// before transmission and attach the provider's cache annotation instead.
const CacheMarker = "<cache>"

// TextPart is a plain text content segment. CacheHint marks the text as
// cache-eligible; encoders also honor an inline CacheMarker in Text.
type TextPart struct {
	Text      string // Plain UTF-8 text
	CacheHint bool   // Eligible for provider-side prompt caching
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ImagePart is an image content segment, supplied either inline or by URI.
// When only URI is set, encoders resolve it through a Fetcher collaborator.
type ImagePart struct {
	Data     []byte // Raw image bytes (if inlined)
	URI      string // External retrieval URI (if not inlined)
	MimeType string // e.g. "image/png"
}

// isPart implements the Part interface for ImagePart.
func (ImagePart) isPart() {}

// DocumentPart is a document attachment segment (inline bytes only).
type DocumentPart struct {
	Data     []byte
	MimeType string // e.g. "application/pdf"
}

// isPart implements the Part interface for DocumentPart.
func (DocumentPart) isPart() {}

// FunctionCall describes a tool/function invocation request surfaced by an
// assistant turn. Arguments is the concatenation of streamed fragments and
// must parse as JSON once complete.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

// isPart implements the Part interface for FunctionCallPart.
func (FunctionCallPart) isPart() {}

// FunctionResponse describes the outcome of a function call. ID matches the
// originating FunctionCall ID from a prior assistant turn.
type FunctionResponse struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Response  string `json:"response,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	CacheHint bool   `json:"-"`
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

// isPart implements the Part interface for FunctionResponsePart.
func (FunctionResponsePart) isPart() {}
