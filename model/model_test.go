package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/modelrelay/core"
)

// Compile-time interface check.
var _ Model = (*MockModel)(nil)

func TestMockModelGenerate(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("ping", "pong")

	deltas, errs := m.Generate(context.Background(), Request{
		Messages: []core.Message{core.NewUserTextMessage("ping")},
		Stream:   true,
	})

	var text string
	var final *Delta
	for d := range deltas {
		switch d.Type {
		case DeltaTypeText:
			text += d.Text
		case DeltaTypeFinal:
			f := d
			final = &f
		}
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "pong", text)
	require.NotNil(t, final)
	assert.Equal(t, FinishReasonStop, final.FinishReason)
	assert.Equal(t, "pong", final.Message.Text())
}

func TestMockModelRequiresMessages(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	deltas, errs := m.Generate(context.Background(), Request{})
	for range deltas {
	}
	assert.Error(t, <-errs)
}
