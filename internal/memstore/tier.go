package memstore

import "time"

// Tier is one of the five fixed memory categories. Each tier has distinct
// retention semantics; retrieval priority lives in the ranking package.
type Tier string

const (
	TierCore       Tier = "core"
	TierWorking    Tier = "working"
	TierEpisodic   Tier = "episodic"
	TierSemantic   Tier = "semantic"
	TierProcedural Tier = "procedural"
)

// AllTiers lists every valid tier, in priority order.
var AllTiers = []Tier{TierCore, TierSemantic, TierProcedural, TierEpisodic, TierWorking}

// tierTTL is the default retention per tier. Zero means the tier never
// expires (core, procedural).
var tierTTL = map[Tier]time.Duration{
	TierWorking:  24 * time.Hour,
	TierEpisodic: 30 * 24 * time.Hour,
	TierSemantic: 90 * 24 * time.Hour,
}

// Valid reports whether t is one of the five known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierCore, TierWorking, TierEpisodic, TierSemantic, TierProcedural:
		return true
	}
	return false
}

// TTL returns the default retention for the tier, or zero when the tier
// never expires.
func (t Tier) TTL() time.Duration {
	return tierTTL[t]
}
