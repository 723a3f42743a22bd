package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rangedir/internal/database"
	"rangedir/internal/model"
)

type PostgresRepository struct {
	db     *database.Database
	logger *slog.Logger
}

func NewPostgresRepository(db *database.Database, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

const listingColumns = `id, name, slug, owner_email, phone, website, photos,
	subscription_tier, subscription_status, billing_customer_ref,
	billing_subscription_ref, is_featured, subscription_updated_at,
	created_at, updated_at`

func scanListing(row pgx.Row) (model.Listing, error) {
	var listing model.Listing
	err := row.Scan(
		&listing.ID, &listing.Name, &listing.Slug, &listing.OwnerEmail,
		&listing.Phone, &listing.Website, &listing.Photos,
		&listing.Tier, &listing.Status, &listing.CustomerRef,
		&listing.SubscriptionRef, &listing.IsFeatured,
		&listing.SubscriptionUpdatedAt, &listing.CreatedAt, &listing.UpdatedAt,
	)
	return listing, err
}

func (r *PostgresRepository) GetListingByID(ctx context.Context, id uuid.UUID) (model.Listing, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM tbl_listing WHERE id = $1`, id)

	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing, ErrListingNotFound
		}
		return listing, fmt.Errorf("repository: failed to get listing (id=%s): %w", id, err)
	}
	return listing, nil
}

func (r *PostgresRepository) GetListingBySubscriptionRef(ctx context.Context, subscriptionRef string) (model.Listing, error) {
	var listing model.Listing
	if subscriptionRef == "" {
		return listing, ErrListingNotFound
	}

	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM tbl_listing WHERE billing_subscription_ref = $1`, subscriptionRef)

	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing, ErrListingNotFound
		}
		return listing, fmt.Errorf("repository: failed to get listing (subscription_ref=%s): %w", subscriptionRef, err)
	}
	return listing, nil
}

// ApplySubscriptionState is the single synchronization point between the
// webhook path and the synchronous verify-session path. Both race on the
// same row; the WHERE clause makes the write monotonic with respect to
// event recency rather than request-arrival order. The customer reference
// is set once and kept stable afterwards.
func (r *PostgresRepository) ApplySubscriptionState(ctx context.Context, params ApplySubscriptionStateParams) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE tbl_listing
		 SET subscription_tier = $2,
		     subscription_status = $3,
		     billing_customer_ref = CASE WHEN billing_customer_ref = '' THEN $4 ELSE billing_customer_ref END,
		     billing_subscription_ref = $5,
		     is_featured = $6,
		     subscription_updated_at = $7,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (subscription_updated_at IS NULL
		        OR subscription_updated_at < $7
		        OR billing_subscription_ref IS DISTINCT FROM $5)`,
		params.ListingID,
		params.Tier,
		params.Status,
		params.CustomerRef,
		params.SubscriptionRef,
		params.IsFeatured,
		params.EventTime,
	)
	if err != nil {
		return false, fmt.Errorf("repository: failed to apply subscription state (listing_id=%s): %w", params.ListingID, err)
	}

	if tag.RowsAffected() == 0 {
		exists, err := r.listingExists(ctx, params.ListingID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrListingNotFound
		}
		// A newer event already took effect; expected under out-of-order
		// delivery.
		r.logger.DebugContext(ctx, "Stale subscription event discarded",
			"listing_id", params.ListingID,
			"event_time", params.EventTime,
		)
		return false, nil
	}

	return true, nil
}

func (r *PostgresRepository) listingExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tbl_listing WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: failed to check listing existence (id=%s): %w", id, err)
	}
	return exists, nil
}

func (r *PostgresRepository) AddListingPhoto(ctx context.Context, id uuid.UUID, photoKey string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE tbl_listing SET photos = array_append(photos, $2), updated_at = NOW() WHERE id = $1`,
		id, photoKey)
	if err != nil {
		return fmt.Errorf("repository: failed to add listing photo (id=%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordBillingEvent(ctx context.Context, record model.BillingEventRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO tbl_billing_event (id, provider_event_id, event_type, subscription_ref, listing_id, applied, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		record.ID, record.ProviderEventID, record.EventType,
		record.SubscriptionRef, record.ListingID, record.Applied, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to record billing event (event_id=%s): %w", record.ProviderEventID, err)
	}
	return nil
}

func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	return r.db.Ping(ctx)
}
