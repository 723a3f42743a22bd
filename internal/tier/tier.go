package tier

import "errors"

// Tier is the canonical internal subscription level. Raw provider price IDs
// and plan names never reach storage directly; they are translated here.
type Tier string

const (
	// TierFree marks an unclaimed listing. A paid subscription never
	// downgrades back to free.
	TierFree Tier = "free"
	// TierBronze marks a claimed but unpaid listing. Cancellation and
	// unpaid subscriptions land here.
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// ErrNotFound is returned by lexicon lookups for unknown plan names or
// price references.
var ErrNotFound = errors.New("tier: no mapping found")

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// Paid reports whether the tier carries an active payment.
func (t Tier) Paid() bool {
	return t == TierSilver || t == TierGold
}
