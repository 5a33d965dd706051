package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingClient parks every call until its context expires.
type blockingClient struct{}

func (blockingClient) Name() string { return "blocking" }

func (blockingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingClient) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestLeaseEmbedChargesBudget(t *testing.T) {
	pool := NewPool(1, 8)
	defer pool.Close()
	budget := NewBudget(100, 10, time.Second)
	lease := NewLease(NewLocalClientWithDimensions(4), pool, budget)

	vectors, err := lease.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	_, embeddings := budget.Usage()
	assert.Equal(t, 2, embeddings)
}

func TestLeaseTranslateChargesTokens(t *testing.T) {
	pool := NewPool(1, 8)
	defer pool.Close()
	budget := NewBudget(100, 10, time.Second)
	lease := NewLease(NewLocalClient(), pool, budget)

	_, err := lease.Translate(context.Background(), "approve the invoice", "en", "de-DE")
	require.NoError(t, err)

	tokens, _ := budget.Usage()
	assert.Equal(t, tokensFor("approve the invoice"), tokens)
}

func TestLeaseExhaustedBudgetRejectsWithoutDispatch(t *testing.T) {
	pool := NewPool(1, 8)
	defer pool.Close()
	budget := NewBudget(1, 1, time.Second)
	lease := NewLease(blockingClient{}, pool, budget)

	// Over-cap reservation trips the budget before the provider is reached.
	_, err := lease.Translate(context.Background(), "a parameter long enough to overrun one token", "en", "fr")
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.True(t, budget.Exceeded())
	assert.Equal(t, 0, pool.Pending())

	// Sticky: every later call fails fast too.
	_, err = lease.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestLeaseTimeoutRefundsReservation(t *testing.T) {
	pool := NewPool(1, 8)
	defer pool.Close()
	budget := NewBudget(100, 10, 30*time.Millisecond)
	lease := NewLease(blockingClient{}, pool, budget)

	_, err := lease.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)

	_, embeddings := budget.Usage()
	assert.Equal(t, 0, embeddings, "abandoned call returns its reservation")
}

func TestLeaseSatisfiesClient(t *testing.T) {
	pool := NewPool(1, 8)
	defer pool.Close()
	lease := NewLease(NewLocalClient(), pool, NewBudget(0, 0, 0))

	var _ Client = lease
	assert.Equal(t, "local", lease.Name())
}
