package inference

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetCharging(t *testing.T) {
	b := NewBudget(100, 10, time.Second)

	require.NoError(t, b.ChargeTokens(60))
	require.NoError(t, b.ChargeTokens(40))
	assert.False(t, b.Exceeded())

	err := b.ChargeTokens(1)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, b.Exceeded())

	// Sticky: even a zero-cost charge fails once exceeded.
	assert.ErrorIs(t, b.ChargeTokens(0), ErrBudgetExceeded)
	assert.ErrorIs(t, b.ChargeEmbeddings(1), ErrBudgetExceeded)
}

func TestBudgetRefundNeverClearsExceeded(t *testing.T) {
	b := NewBudget(100, 10, time.Second)

	require.NoError(t, b.ChargeTokens(100))
	require.ErrorIs(t, b.ChargeTokens(1), ErrBudgetExceeded)

	b.RefundTokens(100)
	tokens, _ := b.Usage()
	assert.Equal(t, 0, tokens)
	assert.True(t, b.Exceeded(), "exceeded must stay set after refund")
	assert.ErrorIs(t, b.ChargeTokens(1), ErrBudgetExceeded)
}

func TestBudgetConcurrentChargesNeverOvercommit(t *testing.T) {
	b := NewBudget(1000, 100, time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.ChargeTokens(100) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted, "exactly 1000/100 charges may succeed")
	tokens, _ := b.Usage()
	assert.Equal(t, 1000, tokens)
}

func TestBudgetDefaults(t *testing.T) {
	b := NewBudget(0, 0, 0)
	assert.Equal(t, DefaultBudgetTimeout, b.Timeout())
	assert.NoError(t, b.ChargeEmbeddings(DefaultMaxEmbeddings))
	assert.ErrorIs(t, b.ChargeEmbeddings(1), ErrBudgetExceeded)
}
