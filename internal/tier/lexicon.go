package tier

import (
	"sort"
	"strings"
)

// Lexicon is the single translation table between the three tier namespaces:
// human plan names ("silver", "gold"), per-environment provider price IDs,
// and canonical Tier values. It is built once from configuration and
// immutable afterwards, so concurrent lookups need no locking.
type Lexicon struct {
	byPlanName  map[string]Tier
	byPriceID   map[string]Tier
	priceByTier map[Tier]string
}

// legacy plan names that survive in older listing rows and in payment links
// created before the rename to bronze/silver/gold
var planNameAliases = map[string]Tier{
	"basic":   TierBronze,
	"pro":     TierSilver,
	"premium": TierGold,
}

// NewLexicon builds a lexicon from the configured price-ID table. Keys of
// priceTable are provider price references, values are plan names.
func NewLexicon(priceTable map[string]string) *Lexicon {
	l := &Lexicon{
		byPlanName: map[string]Tier{
			"free":   TierFree,
			"bronze": TierBronze,
			"silver": TierSilver,
			"gold":   TierGold,
		},
		byPriceID:   make(map[string]Tier, len(priceTable)),
		priceByTier: make(map[Tier]string, len(priceTable)),
	}

	for alias, t := range planNameAliases {
		l.byPlanName[alias] = t
	}

	// Sorted walk so the reverse map is the same on every start when two
	// prices map to one tier; the first price ref wins.
	priceIDs := make([]string, 0, len(priceTable))
	for priceID := range priceTable {
		priceIDs = append(priceIDs, priceID)
	}
	sort.Strings(priceIDs)

	for _, priceID := range priceIDs {
		if t, ok := l.byPlanName[strings.ToLower(priceTable[priceID])]; ok {
			l.byPriceID[priceID] = t
			if _, taken := l.priceByTier[t]; !taken {
				l.priceByTier[t] = priceID
			}
		}
	}

	return l
}

// PlanNameToTier resolves a human plan name (or legacy alias) to a canonical
// tier. Returns ErrNotFound for unknown names.
func (l *Lexicon) PlanNameToTier(planName string) (Tier, error) {
	t, ok := l.byPlanName[strings.ToLower(strings.TrimSpace(planName))]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

// PriceToTier resolves a provider price reference to a canonical tier.
// Returns ErrNotFound for prices not configured in this environment.
func (l *Lexicon) PriceToTier(priceRef string) (Tier, error) {
	t, ok := l.byPriceID[priceRef]
	if !ok {
		return "", ErrNotFound
	}
	return t, nil
}

// PriceForTier returns the configured provider price reference for a paid
// tier, for building outbound checkout requests.
func (l *Lexicon) PriceForTier(t Tier) (string, error) {
	priceID, ok := l.priceByTier[t]
	if !ok {
		return "", ErrNotFound
	}
	return priceID, nil
}
