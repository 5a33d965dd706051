package translation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/inference"
)

// scriptedClient lets tests control each leg of the round trip.
type scriptedClient struct {
	translations map[string]string // input text -> output text
	translateErr error
	embedErr     error
	embeddings   map[string][]float32
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	if c.translateErr != nil {
		return "", c.translateErr
	}
	if out, ok := c.translations[text]; ok {
		return out, nil
	}
	return text, nil
}

func (c *scriptedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedErr != nil {
		return nil, c.embedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := c.embeddings[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{1, 0}
		}
	}
	return out, nil
}

func TestVerifyRoundTripSuccess(t *testing.T) {
	client := &scriptedClient{
		translations: map[string]string{
			"approve the invoice":    "genehmige die Rechnung",
			"genehmige die Rechnung": "approve the invoice",
		},
	}
	v := NewVerifier(client)

	result := v.Verify(context.Background(), "approve the invoice", "en", "de-DE")
	require.NoError(t, result.Err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.Passed)
	assert.InDelta(t, 1.0, result.SimilarityScore, 1e-9)
	assert.Equal(t, "genehmige die Rechnung", result.TranslatedText)
	assert.Equal(t, "approve the invoice", result.BackTranslatedText)
	assert.Equal(t, DefaultThreshold, result.Threshold)
}

func TestVerifyBelowThresholdFails(t *testing.T) {
	client := &scriptedClient{
		translations: map[string]string{
			"approve the invoice":  "etwas völlig anderes",
			"etwas völlig anderes": "something entirely different",
		},
		embeddings: map[string][]float32{
			"approve the invoice":          {1, 0},
			"something entirely different": {0.5, 0.9},
		},
	}
	v := NewVerifier(client)

	result := v.Verify(context.Background(), "approve the invoice", "en", "de-DE")
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Passed)
	assert.NoError(t, result.Err, "below-threshold is a clean FAILED, not an error")
	assert.Less(t, result.SimilarityScore, DefaultThreshold)
}

func TestVerifyFailsClosedOnTranslateError(t *testing.T) {
	client := &scriptedClient{translateErr: errors.New("upstream unavailable")}
	v := NewVerifier(client)

	result := v.Verify(context.Background(), "approve the invoice", "en", "fr-FR")
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Passed)
	assert.Error(t, result.Err)
}

func TestVerifyFailsClosedOnEmbedError(t *testing.T) {
	client := &scriptedClient{embedErr: errors.New("embedding backend down")}
	v := NewVerifier(client)

	result := v.Verify(context.Background(), "approve the invoice", "en", "fr-FR")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Error(t, result.Err)
}

func TestVerifyThresholdBoundary(t *testing.T) {
	// Vectors engineered so cosine lands exactly on the threshold.
	client := &scriptedClient{
		embeddings: map[string][]float32{
			"original": {1, 0},
			// cos = 4/5 = 0.8 with (1,0), exact in float64
			"back": {4, 3},
		},
		translations: map[string]string{"original": "vorwärts", "vorwärts": "back"},
	}

	v := NewVerifier(client, WithThreshold(0.8))
	result := v.Verify(context.Background(), "original", "en", "de-DE")
	assert.True(t, result.Passed, "similarity == threshold passes")
	assert.Equal(t, StatusSuccess, result.Status)

	stricter := NewVerifier(client, WithThreshold(0.81))
	result = stricter.Verify(context.Background(), "original", "en", "de-DE")
	assert.False(t, result.Passed)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestVerifyWithLocalClient(t *testing.T) {
	// Identity translation round-trips with similarity 1.0.
	v := NewVerifier(inference.NewLocalClient())
	result := v.Verify(context.Background(), "approve the invoice for acme", "en", "de-DE")
	assert.Equal(t, StatusSuccess, result.Status)
	assert.InDelta(t, 1.0, result.SimilarityScore, 1e-6)
}

// shortEmbedClient returns one vector regardless of input count.
type shortEmbedClient struct {
	scriptedClient
}

func (c *shortEmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{1, 0}}, nil
}

func TestVerifyFailsClosedOnShortEmbedding(t *testing.T) {
	v := NewVerifier(&shortEmbedClient{})

	result := v.Verify(context.Background(), "approve the invoice", "en", "de-DE")
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Passed)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "expected 2 vectors")
	assert.Zero(t, result.SimilarityScore)
}

func TestVerifyOverLeaseChargesBudget(t *testing.T) {
	pool := inference.NewPool(1, 8)
	defer pool.Close()
	budget := inference.NewBudget(1000, 10, time.Second)

	client := &scriptedClient{
		translations: map[string]string{
			"approve the invoice":    "genehmige die Rechnung",
			"genehmige die Rechnung": "approve the invoice",
		},
	}
	v := NewVerifier(inference.NewLease(client, pool, budget))

	result := v.Verify(context.Background(), "approve the invoice", "en", "de-DE")
	require.NoError(t, result.Err)
	assert.Equal(t, StatusSuccess, result.Status)

	tokens, embeddings := budget.Usage()
	assert.Positive(t, tokens, "both translation legs reserve tokens")
	assert.Equal(t, 2, embeddings, "one reservation per round-trip endpoint")
}

func TestVerifyFailsClosedWhenBudgetExhausted(t *testing.T) {
	pool := inference.NewPool(1, 8)
	defer pool.Close()
	budget := inference.NewBudget(1, 1, time.Second)

	v := NewVerifier(inference.NewLease(&scriptedClient{}, pool, budget))

	result := v.Verify(context.Background(), "approve the invoice for acme corp", "en", "de-DE")
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Passed)
	assert.ErrorIs(t, result.Err, inference.ErrBudgetExceeded)
	assert.True(t, budget.Exceeded())
}
