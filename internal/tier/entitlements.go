package tier

// UnlimitedPhotos marks a tier without a photo cap.
const UnlimitedPhotos = -1

// Entitlements is the feature bundle a tier grants. Callers must derive it
// from the tier currently in storage via EntitlementsFor; caching or
// re-deriving entitlements elsewhere drifts from storage truth.
type Entitlements struct {
	PhotoLimit        int  `json:"photo_limit"`
	ContactClickable  bool `json:"contact_clickable"`
	CanReplyToReviews bool `json:"can_reply_to_reviews"`
	AnalyticsEnabled  bool `json:"analytics_enabled"`
	FeaturedEligible  bool `json:"featured_eligible"`
}

var entitlementTable = map[Tier]Entitlements{
	TierFree: {
		PhotoLimit: 1,
	},
	TierBronze: {
		PhotoLimit: 1,
	},
	TierSilver: {
		PhotoLimit:        5,
		ContactClickable:  true,
		CanReplyToReviews: true,
		AnalyticsEnabled:  true,
	},
	TierGold: {
		PhotoLimit:        UnlimitedPhotos,
		ContactClickable:  true,
		CanReplyToReviews: true,
		AnalyticsEnabled:  true,
		FeaturedEligible:  true,
	},
}

// EntitlementsFor returns the feature bundle for a tier. Unknown tiers get
// the free bundle.
func EntitlementsFor(t Tier) Entitlements {
	if e, ok := entitlementTable[t]; ok {
		return e
	}
	return entitlementTable[TierFree]
}

// AllowsPhotoCount reports whether the bundle permits storing count photos.
func (e Entitlements) AllowsPhotoCount(count int) bool {
	return e.PhotoLimit == UnlimitedPhotos || count <= e.PhotoLimit
}
