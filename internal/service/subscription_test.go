package service_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"rangedir/internal/config"
	"rangedir/internal/model"
	"rangedir/internal/monitoring"
	"rangedir/internal/repository"
	"rangedir/internal/service"
	"rangedir/internal/tier"
)

const testWebhookSecret = "whsec_test_secret"

// fakeRepo keeps listings in memory and applies the same conditional
// write rule as the Postgres repository. failApply simulates a transient
// database failure on writes.
type fakeRepo struct {
	mu        sync.Mutex
	listings  map[uuid.UUID]model.Listing
	events    []model.BillingEventRecord
	failApply error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{listings: make(map[uuid.UUID]model.Listing)}
}

func (r *fakeRepo) GetListingByID(ctx context.Context, id uuid.UUID) (model.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[id]
	if !ok {
		return model.Listing{}, repository.ErrListingNotFound
	}
	return listing, nil
}

func (r *fakeRepo) GetListingBySubscriptionRef(ctx context.Context, subscriptionRef string) (model.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subscriptionRef == "" {
		return model.Listing{}, repository.ErrListingNotFound
	}
	for _, listing := range r.listings {
		if listing.SubscriptionRef == subscriptionRef {
			return listing, nil
		}
	}
	return model.Listing{}, repository.ErrListingNotFound
}

func (r *fakeRepo) ApplySubscriptionState(ctx context.Context, params repository.ApplySubscriptionStateParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failApply != nil {
		return false, r.failApply
	}

	listing, ok := r.listings[params.ListingID]
	if !ok {
		return false, repository.ErrListingNotFound
	}

	newer := listing.SubscriptionUpdatedAt == nil || listing.SubscriptionUpdatedAt.Before(params.EventTime)
	refChanged := listing.SubscriptionRef != params.SubscriptionRef
	if !newer && !refChanged {
		return false, nil
	}

	listing.Tier = params.Tier
	listing.Status = params.Status
	if listing.CustomerRef == "" {
		listing.CustomerRef = params.CustomerRef
	}
	listing.SubscriptionRef = params.SubscriptionRef
	listing.IsFeatured = params.IsFeatured
	eventTime := params.EventTime
	listing.SubscriptionUpdatedAt = &eventTime
	r.listings[params.ListingID] = listing
	return true, nil
}

func (r *fakeRepo) AddListingPhoto(ctx context.Context, id uuid.UUID, photoKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[id]
	if !ok {
		return repository.ErrListingNotFound
	}
	listing.Photos = append(listing.Photos, photoKey)
	r.listings[id] = listing
	return nil
}

func (r *fakeRepo) RecordBillingEvent(ctx context.Context, record model.BillingEventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, record)
	return nil
}

func (r *fakeRepo) HealthCheck(ctx context.Context) error {
	return nil
}

func (r *fakeRepo) seed(listing model.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[listing.ID] = listing
}

func (r *fakeRepo) get(t *testing.T, id uuid.UUID) model.Listing {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	listing, ok := r.listings[id]
	require.True(t, ok)
	return listing
}

func newTestService(repo repository.Repository) *service.SubscriptionService {
	return newTestServiceWithDedup(repo, nil)
}

func newTestServiceWithDedup(repo repository.Repository, dedup *service.EventDeduper) *service.SubscriptionService {
	cfg := config.StripeConfig{
		SecretKey:     "sk_test_nothing",
		WebhookSecret: testWebhookSecret,
		SilverPriceID: "price_silver_123",
		GoldPriceID:   "price_gold_456",
	}
	telemetry, _ := monitoring.NewOpenTelemetry(config.TelemetryConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewSubscriptionService(repo, tier.NewLexicon(cfg.PriceTable()), dedup, cfg, telemetry, logger)
}

func newTestDeduper(t *testing.T) *service.EventDeduper {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewEventDeduper(client, time.Hour, logger)
}

// stubStripeBackend points the provider client at a local test server for
// the duration of the test.
func stubStripeBackend(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	previous := stripe.GetBackend(stripe.APIBackend)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:           stripe.String(server.URL),
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelError},
	}))
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, previous) })
}

// signPayload produces a Stripe-Signature header the verifier accepts.
func signPayload(payload string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, []byte(payload), testWebhookSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func eventPayload(id, eventType string, created int64, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":%q,"data":{"object":%s}}`,
		id, eventType, created, stripe.APIVersion, object)
}

func checkoutSessionObject(listingID uuid.UUID, tierName string, created int64) string {
	return fmt.Sprintf(`{"id":"cs_test_1","object":"checkout.session","created":%d,"customer":"cus_1","subscription":"sub_1","payment_status":"paid","metadata":{"listing_id":%q,"tier":%q}}`,
		created, listingID.String(), tierName)
}

func seededListing(id uuid.UUID) model.Listing {
	return model.Listing{
		ID:         id,
		Name:       "Westside Range",
		Slug:       "westside-range",
		OwnerEmail: "owner@example.com",
		Tier:       tier.TierFree,
		Status:     model.SubscriptionStatusNone,
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	svc := newTestService(newFakeRepo())

	payload := eventPayload("evt_1", "checkout.session.completed", time.Now().Unix(), `{}`)
	err := svc.HandleWebhook(context.Background(), []byte(payload), "t=123,v1=deadbeef")
	assert.ErrorIs(t, err, service.ErrInvalidSignature)
}

func TestHandleWebhook_CheckoutCompleted(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Add(-time.Minute).Unix()
	payload := eventPayload("evt_1", "checkout.session.completed", created,
		checkoutSessionObject(listingID, "gold", created))

	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	require.NoError(t, err)

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierGold, listing.Tier)
	assert.Equal(t, model.SubscriptionStatusActive, listing.Status)
	assert.True(t, listing.IsFeatured)
	assert.Equal(t, "cus_1", listing.CustomerRef)
	assert.Equal(t, "sub_1", listing.SubscriptionRef)
	require.NotNil(t, listing.SubscriptionUpdatedAt)
	assert.Equal(t, created, listing.SubscriptionUpdatedAt.Unix())

	require.Len(t, repo.events, 1)
	assert.True(t, repo.events[0].Applied)
}

func TestHandleWebhook_CheckoutCompleted_DuplicateDelivery(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Add(-time.Minute).Unix()
	payload := eventPayload("evt_1", "checkout.session.completed", created,
		checkoutSessionObject(listingID, "silver", created))

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierSilver, listing.Tier)
	assert.Equal(t, model.SubscriptionStatusActive, listing.Status)

	// The redelivery is acknowledged but its write is a stale no-op.
	require.Len(t, repo.events, 2)
	assert.True(t, repo.events[0].Applied)
	assert.False(t, repo.events[1].Applied)
}

func TestHandleWebhook_CheckoutCompleted_UnknownListing(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	created := time.Now().Unix()
	payload := eventPayload("evt_1", "checkout.session.completed", created,
		checkoutSessionObject(uuid.New(), "gold", created))

	// Unknown listings are acknowledged; retrying cannot fix them.
	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	assert.NoError(t, err)
}

func TestHandleWebhook_CheckoutCompleted_MissingMetadata(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Unix()
	object := fmt.Sprintf(`{"id":"cs_test_1","object":"checkout.session","created":%d,"customer":"cus_1","subscription":"sub_1","metadata":{}}`, created)
	payload := eventPayload("evt_1", "checkout.session.completed", created, object)

	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	assert.NoError(t, err)

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierFree, listing.Tier)
}

func TestHandleWebhook_SubscriptionDeleted(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierGold
	listing.Status = model.SubscriptionStatusActive
	listing.CustomerRef = "cus_1"
	listing.SubscriptionRef = "sub_1"
	listing.IsFeatured = true
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	payload := eventPayload("evt_2", "customer.subscription.deleted", time.Now().Unix(),
		`{"id":"sub_1","object":"subscription","status":"canceled"}`)

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	got := repo.get(t, listingID)
	assert.Equal(t, tier.TierBronze, got.Tier)
	assert.Equal(t, model.SubscriptionStatusCanceled, got.Status)
	assert.False(t, got.IsFeatured)
	// The reference stays for event correlation and so a late checkout
	// event for the same subscription cannot resurrect the paid tier.
	assert.Equal(t, "sub_1", got.SubscriptionRef)
	assert.Equal(t, "cus_1", got.CustomerRef)
}

func TestHandleWebhook_StaleEventAfterCancellation(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-2 * time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierGold
	listing.Status = model.SubscriptionStatusActive
	listing.SubscriptionRef = "sub_1"
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	cancelAt := time.Now().Add(-time.Minute).Unix()
	cancelPayload := eventPayload("evt_cancel", "customer.subscription.deleted", cancelAt,
		`{"id":"sub_1","object":"subscription","status":"canceled"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(cancelPayload), signPayload(cancelPayload)))

	// An older update arrives after the cancellation was applied.
	staleAt := time.Now().Add(-30 * time.Minute).Unix()
	stalePayload := eventPayload("evt_stale", "customer.subscription.updated", staleAt,
		`{"id":"sub_1","object":"subscription","status":"active"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(stalePayload), signPayload(stalePayload)))

	got := repo.get(t, listingID)
	assert.Equal(t, tier.TierBronze, got.Tier)
	assert.Equal(t, model.SubscriptionStatusCanceled, got.Status)
}

func TestHandleWebhook_SubscriptionUpdated_PassesStatusThrough(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierSilver
	listing.Status = model.SubscriptionStatusPastDue
	listing.SubscriptionRef = "sub_1"
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	payload := eventPayload("evt_3", "customer.subscription.updated", time.Now().Unix(),
		`{"id":"sub_1","object":"subscription","status":"active"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	got := repo.get(t, listingID)
	assert.Equal(t, tier.TierSilver, got.Tier)
	assert.Equal(t, model.SubscriptionStatusActive, got.Status)
	assert.True(t, got.IsFeatured)
}

func TestHandleWebhook_SubscriptionUpdated_UnknownRef(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	payload := eventPayload("evt_4", "customer.subscription.updated", time.Now().Unix(),
		`{"id":"sub_missing","object":"subscription","status":"active"}`)

	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	assert.NoError(t, err)
}

func TestHandleWebhook_PaymentFailed(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierGold
	listing.Status = model.SubscriptionStatusActive
	listing.SubscriptionRef = "sub_1"
	listing.IsFeatured = true
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	payload := eventPayload("evt_5", "invoice.payment_failed", time.Now().Unix(),
		`{"id":"in_1","object":"invoice","subscription":"sub_1"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	got := repo.get(t, listingID)
	// Delinquency freezes the tier but withdraws visibility perks.
	assert.Equal(t, tier.TierGold, got.Tier)
	assert.Equal(t, model.SubscriptionStatusPastDue, got.Status)
	assert.False(t, got.IsFeatured)
}

func TestHandleWebhook_PaymentSucceededIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierSilver
	listing.Status = model.SubscriptionStatusActive
	listing.SubscriptionRef = "sub_1"
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	payload := eventPayload("evt_6", "invoice.payment_succeeded", time.Now().Unix(),
		`{"id":"in_2","object":"invoice","subscription":"sub_1"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	got := repo.get(t, listingID)
	assert.Equal(t, subscribedAt, *got.SubscriptionUpdatedAt)
	assert.Empty(t, repo.events)
}

func TestHandleWebhook_UnhandledEventType(t *testing.T) {
	svc := newTestService(newFakeRepo())

	payload := eventPayload("evt_7", "customer.created", time.Now().Unix(), `{"id":"cus_1","object":"customer"}`)
	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	assert.NoError(t, err)
}

func TestHandleWebhook_UnrecognizedSubscriptionStatus(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()

	subscribedAt := time.Now().Add(-time.Hour).UTC()
	listing := seededListing(listingID)
	listing.Tier = tier.TierSilver
	listing.Status = model.SubscriptionStatusActive
	listing.SubscriptionRef = "sub_1"
	listing.SubscriptionUpdatedAt = &subscribedAt
	repo.seed(listing)

	payload := eventPayload("evt_8", "customer.subscription.updated", time.Now().Unix(),
		`{"id":"sub_1","object":"subscription","status":"paused"}`)
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	got := repo.get(t, listingID)
	assert.Equal(t, model.SubscriptionStatusActive, got.Status)
}

func TestHandleWebhook_RedeliveryAfterTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestServiceWithDedup(repo, newTestDeduper(t))
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Add(-time.Minute).Unix()
	payload := eventPayload("evt_flaky", "checkout.session.completed", created,
		checkoutSessionObject(listingID, "gold", created))

	// First delivery hits a database outage and must surface an error so
	// the provider retries.
	repo.failApply = errors.New("connection refused")
	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	require.Error(t, err)

	// The redelivery is not a duplicate; the failed attempt left the
	// event unrecorded.
	repo.failApply = nil
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierGold, listing.Tier)
	assert.Equal(t, model.SubscriptionStatusActive, listing.Status)
}

func TestHandleWebhook_DedupSkipsProcessedEvent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestServiceWithDedup(repo, newTestDeduper(t))
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Add(-time.Minute).Unix()
	payload := eventPayload("evt_dup", "checkout.session.completed", created,
		checkoutSessionObject(listingID, "silver", created))

	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))
	require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

	// The second delivery is skipped before any repository work.
	require.Len(t, repo.events, 1)
	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierSilver, listing.Tier)
}

func TestHandleWebhook_UnparseablePayloadAcknowledged(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	// A signed event whose object fails to decode is acknowledged rather
	// than bounced into an endless retry loop.
	payload := eventPayload("evt_bad", "checkout.session.completed", time.Now().Unix(), `{"metadata":42}`)
	err := svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload))
	assert.NoError(t, err)

	subPayload := eventPayload("evt_bad2", "customer.subscription.updated", time.Now().Unix(), `{"status":[]}`)
	assert.NoError(t, svc.HandleWebhook(context.Background(), []byte(subPayload), signPayload(subPayload)))

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierFree, listing.Tier)
}

func verifiableSessionObject(listingID uuid.UUID, paymentStatus string, created int64) string {
	return fmt.Sprintf(`{"id":"cs_test_verify","object":"checkout.session","created":%d,"customer":"cus_9","subscription":"sub_9","payment_status":%q,"metadata":{"listing_id":%q,"tier":"gold"},"line_items":{"object":"list","data":[{"id":"li_1","object":"item","price":{"id":"price_gold_456","object":"price"}}]}}`,
		created, paymentStatus, listingID.String())
}

func TestVerifySession_AppliesPaidSession(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	created := time.Now().Add(-time.Minute).Unix()
	stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/checkout/sessions/cs_test_verify", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, verifiableSessionObject(listingID, "paid", created))
	})

	listing, err := svc.VerifySession(context.Background(), "cs_test_verify", listingID)
	require.NoError(t, err)

	assert.Equal(t, tier.TierGold, listing.Tier)
	assert.Equal(t, model.SubscriptionStatusActive, listing.Status)
	assert.True(t, listing.IsFeatured)
	assert.Equal(t, "cus_9", listing.CustomerRef)
	assert.Equal(t, "sub_9", listing.SubscriptionRef)
	require.NotNil(t, listing.SubscriptionUpdatedAt)
	assert.Equal(t, created, listing.SubscriptionUpdatedAt.Unix())
}

func TestVerifySession_ConvergesWithWebhook(t *testing.T) {
	// The browser redirect and the webhook race for the same session;
	// whichever lands second must be a no-op and both orders must end in
	// the same listing state.
	created := time.Now().Add(-time.Minute).Unix()

	t.Run("verify_then_webhook", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		listingID := uuid.New()
		repo.seed(seededListing(listingID))

		stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, verifiableSessionObject(listingID, "paid", created))
		})

		_, err := svc.VerifySession(context.Background(), "cs_test_verify", listingID)
		require.NoError(t, err)

		payload := eventPayload("evt_race", "checkout.session.completed", created,
			verifiableSessionObject(listingID, "paid", created))
		require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

		listing := repo.get(t, listingID)
		assert.Equal(t, tier.TierGold, listing.Tier)
		assert.Equal(t, model.SubscriptionStatusActive, listing.Status)
		assert.Equal(t, created, listing.SubscriptionUpdatedAt.Unix())

		// The webhook write was absorbed as stale.
		require.Len(t, repo.events, 1)
		assert.False(t, repo.events[0].Applied)
	})

	t.Run("webhook_then_verify", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		listingID := uuid.New()
		repo.seed(seededListing(listingID))

		payload := eventPayload("evt_race", "checkout.session.completed", created,
			verifiableSessionObject(listingID, "paid", created))
		require.NoError(t, svc.HandleWebhook(context.Background(), []byte(payload), signPayload(payload)))

		stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, verifiableSessionObject(listingID, "paid", created))
		})

		listing, err := svc.VerifySession(context.Background(), "cs_test_verify", listingID)
		require.NoError(t, err)

		assert.Equal(t, tier.TierGold, listing.Tier)
		assert.Equal(t, model.SubscriptionStatusActive, listing.Status)
		assert.Equal(t, created, listing.SubscriptionUpdatedAt.Unix())
	})
}

func TestVerifySession_RejectsUnpaidSession(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, verifiableSessionObject(listingID, "unpaid", time.Now().Unix()))
	})

	_, err := svc.VerifySession(context.Background(), "cs_test_verify", listingID)
	assert.ErrorIs(t, err, service.ErrSessionNotPaid)

	listing := repo.get(t, listingID)
	assert.Equal(t, tier.TierFree, listing.Tier)
}

func TestVerifySession_RejectsForeignListing(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	otherID := uuid.New()
	repo.seed(seededListing(listingID))
	repo.seed(seededListing(otherID))

	stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, verifiableSessionObject(listingID, "paid", time.Now().Unix()))
	})

	_, err := svc.VerifySession(context.Background(), "cs_test_verify", otherID)
	assert.ErrorIs(t, err, service.ErrSessionMismatch)
}

func TestCreateCheckoutSession_RejectsUnpurchasableTier(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	// Validation happens before any provider call, so no network is
	// involved for a bad tier.
	_, err := svc.CreateCheckoutSession(context.Background(), listingID, tier.TierBronze, "")
	assert.ErrorIs(t, err, service.ErrInvalidTier)

	_, err = svc.CreateCheckoutSession(context.Background(), listingID, tier.Tier("platinum"), "")
	assert.ErrorIs(t, err, service.ErrInvalidTier)
}

func TestCreateCheckoutSession_EmbedsRoutingMetadata(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	var form url.Values
	stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_new","object":"checkout.session","url":"https://pay.example/c/cs_test_new"}`)
	})

	sess, err := svc.CreateCheckoutSession(context.Background(), listingID, tier.TierGold, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_new", sess.ID)

	assert.Equal(t, listingID.String(), form.Get("metadata[listing_id]"))
	assert.Equal(t, "gold", form.Get("metadata[tier]"))
	assert.Equal(t, "buyer@example.com", form.Get("metadata[initiator_id]"))
	assert.Equal(t, "buyer@example.com", form.Get("customer_email"))
	assert.Equal(t, "price_gold_456", form.Get("line_items[0][price]"))
}

func TestCreateCheckoutSession_DefaultsToOwnerEmail(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	listingID := uuid.New()
	repo.seed(seededListing(listingID))

	var form url.Values
	stubStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_new","object":"checkout.session"}`)
	})

	_, err := svc.CreateCheckoutSession(context.Background(), listingID, tier.TierSilver, "")
	require.NoError(t, err)

	assert.Equal(t, "owner@example.com", form.Get("customer_email"))
	assert.Equal(t, "owner@example.com", form.Get("metadata[initiator_id]"))
}
