package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageReconciled(t *testing.T) {
	t.Run("cache write premium and read discount", func(t *testing.T) {
		u := Usage{InputTokens: 1000, OutputTokens: 50, CacheWriteTokens: 200, CacheReadTokens: 500}.Reconciled()
		assert.Equal(t, 1300, u.BilledInputTokens)
		assert.Equal(t, 50, u.BilledOutputTokens)
		assert.Equal(t, 1350, u.TotalBilledTokens())
	})

	t.Run("no cache metrics bills raw input", func(t *testing.T) {
		u := Usage{InputTokens: 400, OutputTokens: 10}.Reconciled()
		assert.Equal(t, 400, u.BilledInputTokens)
		assert.Equal(t, 10, u.BilledOutputTokens)
	})

	t.Run("truncates toward zero", func(t *testing.T) {
		u := Usage{CacheWriteTokens: 3, CacheReadTokens: 9}.Reconciled()
		// 3 + 3/4 = 3, 9/10 = 0
		assert.Equal(t, 3, u.BilledInputTokens)
	})
}

func TestUsageReconciledDoesNotMutateReceiver(t *testing.T) {
	u := Usage{InputTokens: 100, CacheWriteTokens: 40}
	_ = u.Reconciled()
	assert.Equal(t, 0, u.BilledInputTokens)
}
