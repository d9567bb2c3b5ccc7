// Package limits computes the effective admission ceiling for a request,
// as a pure function of tier configuration and system health (spec.md
// 4.6). It performs no I/O.
package limits

import (
	"github.com/saidutt46/tollbooth/internal/config"
	"github.com/saidutt46/tollbooth/internal/health"
)

// Effective returns the limit to enforce for tier under status. lowPriorityTier
// is the name resolved by Snapshot.LowestPriorityTier (the "free"
// classification, per spec.md 4.6): under DEGRADED, that tier alone falls
// to its degraded_limit; every other tier falls back to its base_limit,
// per the Open Question resolution in SPEC_FULL.md 4.6.
func Effective(tier config.Tier, status health.Status, lowPriorityTier string) int {
	if status == health.Normal {
		return tier.BurstLimit
	}

	if tier.Name == lowPriorityTier {
		return tier.DegradedLimit
	}
	return tier.BaseLimit
}
