// Package session provides conversation session state (message history and
// the cross-turn reasoning cache) together with pluggable persistence.
package session
