package model

import (
	"time"

	"github.com/google/uuid"

	"rangedir/internal/tier"
)

// SubscriptionStatus is the billing lifecycle status of a listing,
// independent of its tier. A past_due subscription keeps its last-known
// tier until it is canceled.
type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "none"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus maps a provider subscription status onto the
// internal lifecycle enum. Trialing counts as active; unknown statuses
// report ok=false so callers can log and pick a conservative default.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch s {
	case "active", "trialing":
		return SubscriptionStatusActive, true
	case "past_due":
		return SubscriptionStatusPastDue, true
	case "canceled", "incomplete_expired":
		return SubscriptionStatusCanceled, true
	case "unpaid":
		return SubscriptionStatusUnpaid, true
	}
	return SubscriptionStatusNone, false
}

// Terminal reports whether the status forces the tier back to bronze.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusUnpaid
}

// Listing is a directory entry. The subscription sub-record (tier, status,
// billing refs, is_featured, subscription_updated_at) is created with
// free/none defaults and mutated exclusively by the reconciliation apply.
type Listing struct {
	ID                    uuid.UUID          `json:"id" db:"id"`
	Name                  string             `json:"name" db:"name"`
	Slug                  string             `json:"slug" db:"slug"`
	OwnerEmail            string             `json:"owner_email" db:"owner_email"`
	Phone                 string             `json:"phone,omitempty" db:"phone"`
	Website               string             `json:"website,omitempty" db:"website"`
	Photos                []string           `json:"photos" db:"photos"`
	Tier                  tier.Tier          `json:"subscription_tier" db:"subscription_tier"`
	Status                SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	CustomerRef           string             `json:"billing_customer_ref,omitempty" db:"billing_customer_ref"`
	SubscriptionRef       string             `json:"billing_subscription_ref,omitempty" db:"billing_subscription_ref"`
	IsFeatured            bool               `json:"is_featured" db:"is_featured"`
	SubscriptionUpdatedAt *time.Time         `json:"subscription_updated_at,omitempty" db:"subscription_updated_at"`
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at" db:"updated_at"`
}

// Featured derives the featured flag: paid tier and an active subscription.
func Featured(t tier.Tier, status SubscriptionStatus) bool {
	return t.Paid() && status == SubscriptionStatusActive
}

// BillingEventRecord is an append-only audit row for a processed provider
// event. Recording is best-effort; reconciliation never fails on it.
type BillingEventRecord struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ProviderEventID string    `json:"provider_event_id" db:"provider_event_id"`
	EventType       string    `json:"event_type" db:"event_type"`
	SubscriptionRef string    `json:"subscription_ref,omitempty" db:"subscription_ref"`
	ListingID       uuid.UUID `json:"listing_id" db:"listing_id"`
	Applied         bool      `json:"applied" db:"applied"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
