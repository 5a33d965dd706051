package ranking

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/memstore"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedRanker(opts ...Option) *Ranker {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewRanker(opts...)
}

func itemAt(id string, tier memstore.Tier, age time.Duration, refs ...string) *memstore.Item {
	return &memstore.Item{
		ID:             id,
		Tier:           tier,
		ContentHash:    "hash-" + id,
		ProvenanceRefs: refs,
		CreatedAt:      fixedNow.Add(-age),
	}
}

func TestRecencyScoreMonotonicallyDecreasing(t *testing.T) {
	r := fixedRanker()

	prev := r.RecencyScore(fixedNow)
	assert.InDelta(t, 1.0, prev, 1e-9)
	for days := 1; days <= 365; days *= 2 {
		score := r.RecencyScore(fixedNow.Add(-time.Duration(days) * 24 * time.Hour))
		assert.Lessf(t, score, prev, "score at %d days should be below the previous age", days)
		prev = score
	}
}

func TestTierScoreOrdering(t *testing.T) {
	assert.Greater(t, TierScore(memstore.TierCore), TierScore(memstore.TierSemantic))
	assert.Greater(t, TierScore(memstore.TierSemantic), TierScore(memstore.TierProcedural))
	assert.Greater(t, TierScore(memstore.TierProcedural), TierScore(memstore.TierEpisodic))
	assert.Greater(t, TierScore(memstore.TierEpisodic), TierScore(memstore.TierWorking))
	assert.Zero(t, TierScore(memstore.Tier("bogus")))
}

func TestRankOrdersByCompositeScore(t *testing.T) {
	r := fixedRanker()

	// Same age and provenance: tier priority decides.
	items := []*memstore.Item{
		itemAt("working", memstore.TierWorking, time.Hour),
		itemAt("core", memstore.TierCore, time.Hour),
		itemAt("episodic", memstore.TierEpisodic, time.Hour),
	}
	scored := r.Rank(items)
	require.Len(t, scored, 3)
	assert.Equal(t, "core", scored[0].Item.ID)
	assert.Equal(t, "episodic", scored[1].Item.ID)
	assert.Equal(t, "working", scored[2].Item.ID)
}

func TestRankProvenanceRichnessNormalized(t *testing.T) {
	r := fixedRanker(WithWeights(Weights{Recency: 0, Tier: 0, Provenance: 1}))

	items := []*memstore.Item{
		itemAt("rich", memstore.TierWorking, time.Hour, "a", "b", "c", "d"),
		itemAt("thin", memstore.TierCore, time.Hour, "a"),
		itemAt("none", memstore.TierCore, time.Hour),
	}
	scored := r.Rank(items)
	require.Len(t, scored, 3)
	assert.Equal(t, "rich", scored[0].Item.ID)
	assert.InDelta(t, 1.0, scored[0].Score, 1e-9)
	assert.InDelta(t, 0.25, scored[1].Score, 1e-9)
	assert.InDelta(t, 0.0, scored[2].Score, 1e-9)
}

func TestRankWeightsNormalizedToSumOne(t *testing.T) {
	// 4/3/3 behaves identically to 0.4/0.3/0.3.
	scaled := fixedRanker(WithWeights(Weights{Recency: 4, Tier: 3, Provenance: 3}))
	standard := fixedRanker()

	items := []*memstore.Item{
		itemAt("a", memstore.TierCore, time.Hour, "ref"),
		itemAt("b", memstore.TierWorking, 48*time.Hour),
	}
	got := scaled.Rank(items)
	want := standard.Rank(items)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Item.ID, got[i].Item.ID)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-9)
	}
}

func TestRankEmptyInput(t *testing.T) {
	assert.Nil(t, fixedRanker().Rank(nil))
}

func TestDeduplicateByContentHashKeepsNewest(t *testing.T) {
	old := itemAt("old", memstore.TierWorking, 48*time.Hour)
	mid := itemAt("mid", memstore.TierWorking, 24*time.Hour)
	fresh := itemAt("fresh", memstore.TierWorking, time.Hour)
	for _, it := range []*memstore.Item{old, mid, fresh} {
		it.ContentHash = "same"
	}
	unique := itemAt("unique", memstore.TierCore, time.Hour)

	out := DeduplicateByContentHash([]*memstore.Item{old, unique, mid, fresh})
	require.Len(t, out, 2)
	assert.Equal(t, "fresh", out[0].ID)
	assert.Equal(t, "unique", out[1].ID)
}

func TestDeduplicateCountMatchesUniqueHashes(t *testing.T) {
	var items []*memstore.Item
	for i := 0; i < 12; i++ {
		it := itemAt(fmt.Sprintf("it-%d", i), memstore.TierEpisodic, time.Duration(i)*time.Hour)
		it.ContentHash = fmt.Sprintf("hash-%d", i%4)
		items = append(items, it)
	}
	assert.Len(t, DeduplicateByContentHash(items), 4)
}

func TestFilterByMaxAge(t *testing.T) {
	r := fixedRanker()
	items := []*memstore.Item{
		itemAt("new", memstore.TierWorking, time.Hour),
		itemAt("old", memstore.TierWorking, 10*24*time.Hour),
	}
	out := r.FilterByMaxAge(items, 7*24*time.Hour)
	require.Len(t, out, 1)
	assert.Equal(t, "new", out[0].ID)
}

func TestGroupByTier(t *testing.T) {
	items := []*memstore.Item{
		itemAt("c1", memstore.TierCore, time.Hour),
		itemAt("w1", memstore.TierWorking, time.Hour),
		itemAt("c2", memstore.TierCore, 2*time.Hour),
	}
	groups := GroupByTier(items)
	assert.Len(t, groups[memstore.TierCore], 2)
	assert.Len(t, groups[memstore.TierWorking], 1)
	assert.Equal(t, "c1", groups[memstore.TierCore][0].ID)
}

func TestDiversityCap(t *testing.T) {
	scored := []Scored{
		{Item: itemAt("c1", memstore.TierCore, time.Hour), Score: 0.9},
		{Item: itemAt("c2", memstore.TierCore, time.Hour), Score: 0.8},
		{Item: itemAt("c3", memstore.TierCore, time.Hour), Score: 0.7},
		{Item: itemAt("w1", memstore.TierWorking, time.Hour), Score: 0.6},
	}
	out := DiversityCap(scored, 2)
	require.Len(t, out, 3)
	assert.Equal(t, "c1", out[0].Item.ID)
	assert.Equal(t, "c2", out[1].Item.ID)
	assert.Equal(t, "w1", out[2].Item.ID)

	assert.Nil(t, DiversityCap(scored, 0))
}

func TestMergeAndRerankUnionsByID(t *testing.T) {
	r := fixedRanker()
	a := itemAt("a", memstore.TierCore, time.Hour)
	b := itemAt("b", memstore.TierWorking, time.Hour)
	dupA := itemAt("a", memstore.TierCore, time.Hour)

	scored := r.MergeAndRerank([]*memstore.Item{a, b}, []*memstore.Item{dupA})
	require.Len(t, scored, 2)
	assert.Equal(t, "a", scored[0].Item.ID)
	assert.Equal(t, "b", scored[1].Item.ID)
}
