// Package core defines the provider-independent conversation representation:
// roles, ordered multi-part messages (text, image, document, tool calls and
// results) and the Fetcher contract for by-reference content. It contains
// entity definitions only; conversion behavior lives in the model packages.
package core
