package external

import (
	"fmt"

	"billingsync/internal/types"
)

// TierTable maps a provider's price or variant identifier to a plan tier.
type TierTable map[string]types.PlanTier

// NewTierTable builds a TierTable from the configured identifier -> tier
// strings, rejecting unknown tiers.
func NewTierTable(raw map[string]string) (TierTable, error) {
	t := make(TierTable, len(raw))
	for id, name := range raw {
		tier := types.PlanTier(name)
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown plan tier %q for %q", name, id)
		}
		t[id] = tier
	}
	return t, nil
}

// Lookup returns the tier configured for id.
func (t TierTable) Lookup(id string) (types.PlanTier, bool) {
	if id == "" {
		return "", false
	}
	tier, ok := t[id]
	return tier, ok
}

// tierFromMetadata reads a "tier" key from provider metadata, ignoring values
// that are not known tiers.
func tierFromMetadata(md map[string]string) types.PlanTier {
	tier := types.PlanTier(md["tier"])
	if tier.Valid() {
		return tier
	}
	return ""
}
