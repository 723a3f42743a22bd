package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"rangedir/internal/model"
	"rangedir/internal/tier"
)

var (
	ErrListingNotFound = errors.New("listing not found")
)

// ApplySubscriptionStateParams is the full subscription sub-record a
// reconciliation transition wants to write. The write is conditional on
// event recency (see Repository.ApplySubscriptionState).
type ApplySubscriptionStateParams struct {
	ListingID       uuid.UUID
	Tier            tier.Tier
	Status          model.SubscriptionStatus
	CustomerRef     string
	SubscriptionRef string
	IsFeatured      bool
	// EventTime is the billing event's own timestamp, not the processing
	// time. It drives the last-write-wins rule.
	EventTime time.Time
}

// Repository is the storage contract for the reconciliation engine.
type Repository interface {
	GetListingByID(ctx context.Context, id uuid.UUID) (model.Listing, error)
	GetListingBySubscriptionRef(ctx context.Context, subscriptionRef string) (model.Listing, error)

	// ApplySubscriptionState performs the idempotent, monotonic overwrite of
	// a listing's subscription sub-record. The update applies only when the
	// event is newer than the stored subscription_updated_at, or when the
	// stored subscription reference does not yet match (first checkout for a
	// new subscription). Returns applied=false when a newer event already
	// took effect; that is the expected outcome under out-of-order delivery,
	// not an error.
	ApplySubscriptionState(ctx context.Context, params ApplySubscriptionStateParams) (applied bool, err error)

	AddListingPhoto(ctx context.Context, id uuid.UUID, photoKey string) error

	// RecordBillingEvent appends to the billing audit log.
	RecordBillingEvent(ctx context.Context, record model.BillingEventRecord) error

	HealthCheck(ctx context.Context) error
}
