package inference

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultLocalDimensions is the vector size produced by LocalClient.
const DefaultLocalDimensions = 256

// LocalClient is a deterministic, in-process inference provider. Embeddings
// are hashed bag-of-words vectors: identical texts always produce identical
// vectors, and texts sharing tokens score high cosine similarity. Translate
// is the identity function. Used for offline mode and tests; it involves no
// network and no model weights.
type LocalClient struct {
	dimensions int
}

// NewLocalClient creates a local provider with the default dimensionality.
func NewLocalClient() *LocalClient {
	return &LocalClient{dimensions: DefaultLocalDimensions}
}

// NewLocalClientWithDimensions creates a local provider producing vectors of
// the given size. Sizes below 8 are clamped to 8.
func NewLocalClientWithDimensions(dims int) *LocalClient {
	if dims < 8 {
		dims = 8
	}
	return &LocalClient{dimensions: dims}
}

// Name returns the provider identifier.
func (c *LocalClient) Name() string {
	return "local"
}

// Embed returns hashed bag-of-words vectors, L2-normalized.
func (c *LocalClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = c.embedOne(text)
	}
	return vectors, nil
}

func (c *LocalClient) embedOne(text string) []float32 {
	vec := make([]float32, c.dimensions)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		// Sign bit from the hash keeps the vector roughly zero-centered.
		idx := int(sum % uint32(c.dimensions))
		if (sum>>16)&1 == 1 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Translate is the identity function: offline mode has no translation model,
// and round-trip verification over identity translation passes trivially.
func (c *LocalClient) Translate(ctx context.Context, text, sourceLocale, targetLocale string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
