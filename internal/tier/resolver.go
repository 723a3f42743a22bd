package tier

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultPaidTier is applied when a billing event carries no usable plan
// metadata and no recognized price reference. Resolution degrades to the
// lowest paid tier instead of failing, so a paying customer is never left
// without entitlements.
const DefaultPaidTier = TierSilver

// Resolver turns billing events into canonical tiers using an ordered
// fallback chain: explicit plan-name metadata, then price-reference lookup,
// then DefaultPaidTier.
type Resolver struct {
	lexicon *Lexicon
	logger  *slog.Logger
}

func NewResolver(lexicon *Lexicon, logger *slog.Logger) *Resolver {
	return &Resolver{lexicon: lexicon, logger: logger}
}

// Resolve determines the tier for a billing event. planName is the plan-name
// metadata set by our own checkout initiator (empty for externally-initiated
// purchases such as shared payment links); priceRefs are the event's line-item
// price references in order.
func (r *Resolver) Resolve(ctx context.Context, planName string, priceRefs []string) Tier {
	if planName != "" {
		t, err := r.lexicon.PlanNameToTier(planName)
		if err == nil {
			return t
		}
		if !errors.Is(err, ErrNotFound) {
			r.logger.WarnContext(ctx, "Plan name lookup failed", "plan_name", planName, "error", err)
		}
	}

	// Only the first line item matters; our checkouts and payment links
	// always carry exactly one subscription price.
	if len(priceRefs) > 0 {
		t, err := r.lexicon.PriceToTier(priceRefs[0])
		if err == nil {
			return t
		}
	}

	r.logger.WarnContext(ctx, "Unable to resolve tier, falling back to default",
		"plan_name", planName,
		"price_refs", priceRefs,
		"default", DefaultPaidTier,
	)
	return DefaultPaidTier
}
