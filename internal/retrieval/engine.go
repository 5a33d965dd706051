// Package retrieval performs similarity and hybrid search over the memory
// store, embedding queries through the inference client and delegating final
// ordering to the ranking package.
package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/inference"
	"github.com/wardenlabs/warden/internal/memstore"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/ranking"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/retrieval")

const (
	// DefaultTopK bounds similarity search results.
	DefaultTopK = 10
	// DefaultMinSimilarity is the floor below which candidates are dropped.
	DefaultMinSimilarity = 0.0
	// DefaultPerTierCap bounds how many grounded results one tier may
	// contribute before lower-scored tiers get a turn.
	DefaultPerTierCap = 3
	// DefaultKeywordWeight and DefaultSimilarityWeight blend hybrid scores.
	DefaultKeywordWeight    = 0.3
	DefaultSimilarityWeight = 0.7
)

// ItemSource supplies retrieval candidates. *memstore.Store satisfies it.
type ItemSource interface {
	List(ctx context.Context, tenantID string) ([]*memstore.Item, error)
	ListWithEmbeddings(ctx context.Context, tenantID string) ([]*memstore.Item, error)
}

// Result pairs a retrieved item with its scores. For plain similarity
// search Score == Similarity; for hybrid search Score is the blend.
type Result struct {
	Item       *memstore.Item `json:"item"`
	Score      float64        `json:"score"`
	Similarity float64        `json:"similarity"`
	Keyword    float64        `json:"keyword,omitempty"`
}

// Engine searches the memory store by embedding similarity.
type Engine struct {
	source ItemSource
	client inference.Client
	budget *inference.Budget
	ranker *ranking.Ranker
}

// Option configures an Engine.
type Option func(*Engine)

// WithBudget charges query embeddings against a session budget.
func WithBudget(b *inference.Budget) Option {
	return func(e *Engine) { e.budget = b }
}

// WithRanker overrides the ranker used for grounding retrieval.
func WithRanker(r *ranking.Ranker) Option {
	return func(e *Engine) { e.ranker = r }
}

// NewEngine creates a retrieval engine over the given source and client.
func NewEngine(source ItemSource, client inference.Client, opts ...Option) *Engine {
	e := &Engine{
		source: source,
		client: client,
		ranker: ranking.NewRanker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// query holds per-call search parameters.
type query struct {
	topK             int
	minSimilarity    float64
	keywordWeight    float64
	similarityWeight float64
}

// SearchOption adjusts a single search call.
type SearchOption func(*query)

// WithTopK bounds the number of results.
func WithTopK(k int) SearchOption {
	return func(q *query) {
		if k > 0 {
			q.topK = k
		}
	}
}

// WithMinSimilarity drops candidates scoring below the floor.
func WithMinSimilarity(floor float64) SearchOption {
	return func(q *query) { q.minSimilarity = floor }
}

// WithBlendWeights overrides the hybrid keyword/similarity blend.
func WithBlendWeights(keyword, similarity float64) SearchOption {
	return func(q *query) {
		if keyword >= 0 && similarity >= 0 && keyword+similarity > 0 {
			q.keywordWeight = keyword
			q.similarityWeight = similarity
		}
	}
}

func newQuery(opts []SearchOption) query {
	q := query{
		topK:             DefaultTopK,
		minSimilarity:    DefaultMinSimilarity,
		keywordWeight:    DefaultKeywordWeight,
		similarityWeight: DefaultSimilarityWeight,
	}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// Search embeds the query text and returns the top-K most similar items
// (cosine), dropping candidates below the similarity floor.
func (e *Engine) Search(ctx context.Context, tenantID, queryText string, opts ...SearchOption) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	q := newQuery(opts)

	queryVec, err := e.embedQuery(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	candidates, err := e.source.ListWithEmbeddings(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := topKBySimilarity(queryVec, candidates, q.topK, q.minSimilarity)
	for i := range results {
		results[i].Score = results[i].Similarity
	}

	span.SetAttributes(
		attribute.Int("retrieval.candidates", len(candidates)),
		attribute.Int("retrieval.results", len(results)),
	)
	return results, nil
}

// HybridSearch blends substring keyword matching with embedding similarity.
// Items without embeddings still participate through their keyword score.
func (e *Engine) HybridSearch(ctx context.Context, tenantID, queryText string, opts ...SearchOption) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.hybrid_search",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	q := newQuery(opts)

	queryVec, err := e.embedQuery(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	candidates, err := e.source.List(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	wSum := q.keywordWeight + q.similarityWeight
	wKeyword := q.keywordWeight / wSum
	wSimilarity := q.similarityWeight / wSum

	queryNorm := inference.Norm(queryVec)
	results := make([]Result, 0, len(candidates))
	for _, it := range candidates {
		similarity := 0.0
		if len(it.Embedding) > 0 && queryNorm > 0 {
			similarity = inference.CosineWithNorm(queryVec, it.Embedding, queryNorm)
		}
		keyword := keywordScore(queryText, it.Content)
		score := wKeyword*keyword + wSimilarity*similarity
		if score < q.minSimilarity {
			continue
		}
		results = append(results, Result{Item: it, Score: score, Similarity: similarity, Keyword: keyword})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > q.topK {
		results = results[:q.topK]
	}

	span.SetAttributes(
		attribute.Int("retrieval.candidates", len(candidates)),
		attribute.Int("retrieval.results", len(results)),
	)
	return results, nil
}

// Ground retrieves hybrid matches, deduplicates them by content hash, and
// reorders the survivors by the composite ranking score with a per-tier cap.
func (e *Engine) Ground(ctx context.Context, tenantID, queryText string, perTierCap int, opts ...SearchOption) ([]ranking.Scored, error) {
	ctx, span := tracer.Start(ctx, "retrieval.ground",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	matches, err := e.HybridSearch(ctx, tenantID, queryText, opts...)
	if err != nil {
		return nil, err
	}

	items := make([]*memstore.Item, 0, len(matches))
	for _, m := range matches {
		items = append(items, m.Item)
	}
	items = ranking.DeduplicateByContentHash(items)

	scored := e.ranker.Rank(items)
	if perTierCap > 0 {
		scored = ranking.DiversityCap(scored, perTierCap)
	}

	span.SetAttributes(attribute.Int("retrieval.grounded", len(scored)))
	return scored, nil
}

// embedQuery charges the budget (when configured) and embeds the query text.
func (e *Engine) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, inference.ErrEmptyInput
	}

	if e.budget != nil {
		if err := e.budget.ChargeEmbeddings(1); err != nil {
			return nil, err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget.Timeout())
		defer cancel()
	}

	vectors, err := e.client.Embed(ctx, []string{queryText})
	if err != nil {
		if e.budget != nil {
			e.budget.RefundEmbeddings(1)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: expected 1 vector, got %d", len(vectors))
	}
	return vectors[0], nil
}

// topKBySimilarity scans candidates with a min-heap so only K score/item
// pairs are retained regardless of candidate count.
func topKBySimilarity(queryVec []float32, candidates []*memstore.Item, topK int, floor float64) []Result {
	queryNorm := inference.Norm(queryVec)
	if queryNorm == 0 || topK <= 0 {
		return nil
	}

	h := &resultHeap{}
	heap.Init(h)
	for _, it := range candidates {
		score := inference.CosineWithNorm(queryVec, it.Embedding, queryNorm)
		if score < floor {
			continue
		}
		if h.Len() < topK {
			heap.Push(h, Result{Item: it, Similarity: score})
		} else if score > (*h)[0].Similarity {
			(*h)[0] = Result{Item: it, Similarity: score}
			heap.Fix(h, 0)
		}
	}

	if h.Len() == 0 {
		return nil
	}
	results := make([]Result, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Result)
	}
	return results
}

// keywordScore is the fraction of query tokens appearing as substrings of
// the content, case-insensitive.
func keywordScore(queryText, content string) float64 {
	tokens := tokenize(queryText)
	if len(tokens) == 0 {
		return 0
	}
	contentLower := strings.ToLower(content)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(contentLower, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// resultHeap is a min-heap of Result ordered by Similarity, used to track
// top-K candidates during the scan phase.
type resultHeap []Result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
