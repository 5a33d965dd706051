// Package ranking orders memory items by recency, tier priority, and
// provenance richness, and provides the set operations retrieval composes
// on top of the raw scores.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/wardenlabs/warden/internal/memstore"
)

// DefaultDecayDays controls how quickly the recency score decays.
const DefaultDecayDays = 30.0

// tierPriority is the fixed per-tier score table.
var tierPriority = map[memstore.Tier]float64{
	memstore.TierCore:       1.0,
	memstore.TierSemantic:   0.9,
	memstore.TierProcedural: 0.8,
	memstore.TierEpisodic:   0.7,
	memstore.TierWorking:    0.6,
}

// Weights blend the three sub-scores into a composite. They are normalized
// to sum to 1 before combining, so callers can pass any positive ratio.
type Weights struct {
	Recency    float64
	Tier       float64
	Provenance float64
}

// DefaultWeights is the standard 0.4/0.3/0.3 blend.
var DefaultWeights = Weights{Recency: 0.4, Tier: 0.3, Provenance: 0.3}

func (w Weights) normalized() Weights {
	sum := w.Recency + w.Tier + w.Provenance
	if sum <= 0 {
		return DefaultWeights
	}
	return Weights{
		Recency:    w.Recency / sum,
		Tier:       w.Tier / sum,
		Provenance: w.Provenance / sum,
	}
}

// Scored pairs an item with its composite ranking score.
type Scored struct {
	Item  *memstore.Item
	Score float64
}

// Ranker computes composite scores over memory item sets.
type Ranker struct {
	weights   Weights
	decayDays float64
	now       func() time.Time
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithWeights overrides the default 0.4/0.3/0.3 blend.
func WithWeights(w Weights) Option {
	return func(r *Ranker) { r.weights = w }
}

// WithDecayDays overrides the recency decay constant.
func WithDecayDays(days float64) Option {
	return func(r *Ranker) {
		if days > 0 {
			r.decayDays = days
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) { r.now = now }
}

// NewRanker creates a ranker with default weights and decay.
func NewRanker(opts ...Option) *Ranker {
	r := &Ranker{
		weights:   DefaultWeights,
		decayDays: DefaultDecayDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecencyScore is exp(-ageDays/decayDays): 1.0 for a brand-new item,
// strictly decreasing with age.
func (r *Ranker) RecencyScore(createdAt time.Time) float64 {
	ageDays := r.now().Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / r.decayDays)
}

// TierScore returns the fixed priority for a tier, 0 for unknown tiers.
func TierScore(tier memstore.Tier) float64 {
	return tierPriority[tier]
}

// Rank scores every item and returns them sorted descending by composite
// score. Provenance richness is normalized against the richest item in the
// set, so scores are only comparable within one Rank call.
func (r *Ranker) Rank(items []*memstore.Item) []Scored {
	if len(items) == 0 {
		return nil
	}

	maxRefs := 0
	for _, it := range items {
		if len(it.ProvenanceRefs) > maxRefs {
			maxRefs = len(it.ProvenanceRefs)
		}
	}

	w := r.weights.normalized()
	scored := make([]Scored, 0, len(items))
	for _, it := range items {
		provenance := 0.0
		if maxRefs > 0 {
			provenance = math.Min(float64(len(it.ProvenanceRefs))/float64(maxRefs), 1)
		}
		score := w.Recency*r.RecencyScore(it.CreatedAt) +
			w.Tier*TierScore(it.Tier) +
			w.Provenance*provenance
		scored = append(scored, Scored{Item: it, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// DeduplicateByContentHash collapses items sharing a content hash, keeping
// the most recently created duplicate. Input order is preserved for the
// survivors.
func DeduplicateByContentHash(items []*memstore.Item) []*memstore.Item {
	newest := make(map[string]*memstore.Item, len(items))
	for _, it := range items {
		if prev, ok := newest[it.ContentHash]; !ok || it.CreatedAt.After(prev.CreatedAt) {
			newest[it.ContentHash] = it
		}
	}

	out := make([]*memstore.Item, 0, len(newest))
	seen := make(map[string]bool, len(newest))
	for _, it := range items {
		if seen[it.ContentHash] {
			continue
		}
		seen[it.ContentHash] = true
		out = append(out, newest[it.ContentHash])
	}
	return out
}

// FilterByMaxAge drops items created before now-maxAge.
func (r *Ranker) FilterByMaxAge(items []*memstore.Item, maxAge time.Duration) []*memstore.Item {
	cutoff := r.now().Add(-maxAge)
	out := make([]*memstore.Item, 0, len(items))
	for _, it := range items {
		if it.CreatedAt.After(cutoff) {
			out = append(out, it)
		}
	}
	return out
}

// GroupByTier buckets items by tier, preserving input order within buckets.
func GroupByTier(items []*memstore.Item) map[memstore.Tier][]*memstore.Item {
	groups := make(map[memstore.Tier][]*memstore.Item)
	for _, it := range items {
		groups[it.Tier] = append(groups[it.Tier], it)
	}
	return groups
}

// DiversityCap keeps at most k items per tier, preserving the input order
// (callers pass an already-ranked list).
func DiversityCap(scored []Scored, k int) []Scored {
	if k <= 0 {
		return nil
	}
	counts := make(map[memstore.Tier]int)
	out := make([]Scored, 0, len(scored))
	for _, sc := range scored {
		if counts[sc.Item.Tier] >= k {
			continue
		}
		counts[sc.Item.Tier]++
		out = append(out, sc)
	}
	return out
}

// MergeAndRerank unions several candidate sets by item id and ranks the
// union as a single set.
func (r *Ranker) MergeAndRerank(sets ...[]*memstore.Item) []Scored {
	seen := make(map[string]bool)
	var union []*memstore.Item
	for _, set := range sets {
		for _, it := range set {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			union = append(union, it)
		}
	}
	return r.Rank(union)
}
