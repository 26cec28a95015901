package core

import "context"

// Fetcher resolves content supplied by reference (ImagePart.URI) into raw
// bytes plus a MIME type. Implementations own transport, caching and decode
// policy; encoders only consume the result.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (data []byte, mimeType string, err error)
}
