package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"

	"rangedir/internal/config"
	"rangedir/internal/model"
	"rangedir/internal/monitoring"
	"rangedir/internal/repository"
	"rangedir/internal/tier"
)

var (
	// ErrInvalidSignature means the webhook payload failed signature
	// verification and must be rejected outright.
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	// ErrInvalidTier means the requested tier has no purchasable price.
	ErrInvalidTier = errors.New("tier is not purchasable")
	// ErrSessionNotPaid means checkout has not completed payment yet.
	ErrSessionNotPaid = errors.New("checkout session is not paid")
	// ErrSessionMismatch means the session belongs to a different listing
	// than the one named in the request.
	ErrSessionMismatch = errors.New("checkout session does not belong to listing")
)

type SubscriptionService struct {
	repo      repository.Repository
	lexicon   *tier.Lexicon
	resolver  *tier.Resolver
	dedup     *EventDeduper
	config    config.StripeConfig
	telemetry monitoring.Telemetry
	logger    *slog.Logger
}

func NewSubscriptionService(repo repository.Repository, lexicon *tier.Lexicon, dedup *EventDeduper, cfg config.StripeConfig, telemetry monitoring.Telemetry, logger *slog.Logger) *SubscriptionService {
	stripe.Key = cfg.SecretKey

	return &SubscriptionService{
		repo:      repo,
		lexicon:   lexicon,
		resolver:  tier.NewResolver(lexicon, logger),
		dedup:     dedup,
		config:    cfg,
		telemetry: telemetry,
		logger:    logger,
	}
}

// CreateCheckoutSession opens a hosted checkout for upgrading a listing to
// a paid tier. The listing ID, tier and initiating actor travel in the
// session metadata so the completion event can be routed back without any
// extra lookup table. customerEmail identifies who initiated the purchase
// and falls back to the listing owner when absent.
func (s *SubscriptionService) CreateCheckoutSession(ctx context.Context, listingID uuid.UUID, t tier.Tier, customerEmail string) (*stripe.CheckoutSession, error) {
	priceID, err := s.lexicon.PriceForTier(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTier, t)
	}

	listing, err := s.repo.GetListingByID(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}

	if customerEmail == "" {
		customerEmail = listing.OwnerEmail
	}

	metadata := map[string]string{
		"listing_id":   listingID.String(),
		"tier":         string(t),
		"initiator_id": customerEmail,
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:    stripe.String(s.config.SuccessURL),
		CancelURL:     stripe.String(s.config.CancelURL),
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(customerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}

	sess, err := session.New(params)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create checkout session", "error", err, "listing_id", listingID)
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.telemetry.RecordCheckoutSession(ctx, string(t))
	s.logger.InfoContext(ctx, "Created checkout session", "session_id", sess.ID, "listing_id", listingID, "tier", t)
	return sess, nil
}

// HandleWebhook verifies and processes a provider event. A nil return
// acknowledges the delivery; business-level anomalies such as unknown
// subscription references are logged and acknowledged so the provider
// stops retrying, while transient failures propagate and trigger a retry.
func (s *SubscriptionService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.config.WebhookSecret)
	if err != nil {
		s.telemetry.RecordSignatureFailure(ctx)
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if s.dedup != nil && s.dedup.Seen(ctx, event.ID) {
		s.logger.InfoContext(ctx, "Duplicate webhook event skipped", "event_id", event.ID, "type", event.Type)
		return nil
	}

	switch event.Type {
	case "checkout.session.completed":
		err = s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		err = s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		err = s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		err = s.handlePaymentFailed(ctx, event)
	case "invoice.payment_succeeded":
		err = s.handlePaymentSucceeded(ctx, event)
	default:
		s.logger.InfoContext(ctx, "Unhandled webhook event", "type", event.Type)
		return nil
	}
	if err != nil {
		return err
	}

	// Recorded only after a clean pass, so a transient failure leaves the
	// event unseen and the provider's redelivery is processed.
	if s.dedup != nil {
		s.dedup.MarkProcessed(ctx, event.ID)
	}
	return nil
}

// VerifySession is the synchronous counterpart of the checkout webhook.
// The success page calls it right after redirect, so the listing reflects
// the purchase even when the webhook is delayed. Both paths funnel into
// the same conditional write and converge on the same state.
func (s *SubscriptionService) VerifySession(ctx context.Context, sessionID string, listingID uuid.UUID) (model.Listing, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("line_items")

	sess, err := session.Get(sessionID, params)
	if err != nil {
		return model.Listing{}, fmt.Errorf("failed to get checkout session: %w", err)
	}

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return model.Listing{}, ErrSessionNotPaid
	}

	if sess.Metadata["listing_id"] != listingID.String() {
		return model.Listing{}, ErrSessionMismatch
	}

	if _, err := s.applyCheckout(ctx, sess, "", "verify"); err != nil {
		return model.Listing{}, err
	}

	listing, err := s.repo.GetListingByID(ctx, listingID)
	if err != nil {
		return model.Listing{}, fmt.Errorf("failed to get listing: %w", err)
	}
	return listing, nil
}

func (s *SubscriptionService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		// Malformed payloads never improve on redelivery, so ack them.
		s.logger.WarnContext(ctx, "Unparseable checkout session payload acknowledged", "event_id", event.ID, "error", err)
		return nil
	}

	_, err := s.applyCheckout(ctx, &sess, event.ID, "webhook")
	return err
}

// applyCheckout maps a completed checkout session onto the listing. The
// transition timestamp is the session creation time on both delivery
// paths, so webhook and verify-session writes for the same session are
// mutually idempotent.
func (s *SubscriptionService) applyCheckout(ctx context.Context, sess *stripe.CheckoutSession, eventID, source string) (bool, error) {
	listingID, err := uuid.Parse(sess.Metadata["listing_id"])
	if err != nil {
		s.logger.WarnContext(ctx, "Checkout session without usable listing reference",
			"session_id", sess.ID, "source", source, "error", err)
		return false, nil
	}

	var priceRefs []string
	if sess.LineItems != nil {
		for _, item := range sess.LineItems.Data {
			if item.Price != nil {
				priceRefs = append(priceRefs, item.Price.ID)
			}
		}
	}
	resolved := s.resolver.Resolve(ctx, sess.Metadata["tier"], priceRefs)

	var customerRef, subscriptionRef string
	if sess.Customer != nil {
		customerRef = sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionRef = sess.Subscription.ID
	}

	applied, err := s.repo.ApplySubscriptionState(ctx, repository.ApplySubscriptionStateParams{
		ListingID:       listingID,
		Tier:            resolved,
		Status:          model.SubscriptionStatusActive,
		CustomerRef:     customerRef,
		SubscriptionRef: subscriptionRef,
		IsFeatured:      model.Featured(resolved, model.SubscriptionStatusActive),
		EventTime:       time.Unix(sess.Created, 0).UTC(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			s.logger.WarnContext(ctx, "Checkout completed for unknown listing",
				"listing_id", listingID, "session_id", sess.ID, "source", source)
			return false, nil
		}
		return false, err
	}

	s.recordEvent(ctx, eventID, "checkout.session.completed", subscriptionRef, listingID, applied)
	s.logger.InfoContext(ctx, "Checkout completed",
		"listing_id", listingID, "tier", resolved, "applied", applied, "source", source)
	return applied, nil
}

func (s *SubscriptionService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.logger.WarnContext(ctx, "Unparseable subscription payload acknowledged", "event_id", event.ID, "error", err)
		return nil
	}

	listing, err := s.repo.GetListingBySubscriptionRef(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			s.logger.InfoContext(ctx, "Subscription update for unknown subscription", "subscription_ref", sub.ID)
			return nil
		}
		return err
	}

	status, ok := model.ParseSubscriptionStatus(string(sub.Status))
	if !ok {
		s.logger.WarnContext(ctx, "Unrecognized subscription status ignored",
			"subscription_ref", sub.ID, "status", sub.Status)
		return nil
	}

	// Status passes through with the tier intact. Only a terminal status
	// takes the paid tier away.
	nextTier := listing.Tier
	if status.Terminal() {
		nextTier = tier.TierBronze
	}

	return s.applyEvent(ctx, event, listing, nextTier, status, sub.ID)
}

func (s *SubscriptionService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		s.logger.WarnContext(ctx, "Unparseable subscription payload acknowledged", "event_id", event.ID, "error", err)
		return nil
	}

	listing, err := s.repo.GetListingBySubscriptionRef(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			s.logger.InfoContext(ctx, "Subscription deletion for unknown subscription", "subscription_ref", sub.ID)
			return nil
		}
		return err
	}

	return s.applyEvent(ctx, event, listing, tier.TierBronze, model.SubscriptionStatusCanceled, sub.ID)
}

func (s *SubscriptionService) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		s.logger.WarnContext(ctx, "Unparseable invoice payload acknowledged", "event_id", event.ID, "error", err)
		return nil
	}

	if invoice.Subscription == nil {
		s.logger.InfoContext(ctx, "Payment failure without subscription, ignoring", "invoice_id", invoice.ID)
		return nil
	}

	listing, err := s.repo.GetListingBySubscriptionRef(ctx, invoice.Subscription.ID)
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			s.logger.InfoContext(ctx, "Payment failure for unknown subscription", "subscription_ref", invoice.Subscription.ID)
			return nil
		}
		return err
	}

	// The tier stays put while the account is delinquent; visibility
	// perks are withdrawn through the derived featured flag.
	return s.applyEvent(ctx, event, listing, listing.Tier, model.SubscriptionStatusPastDue, invoice.Subscription.ID)
}

func (s *SubscriptionService) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	// Renewals carry no state transition of their own; the subscription
	// update event does the work.
	s.logger.InfoContext(ctx, "Payment succeeded", "event_id", event.ID)
	return nil
}

func (s *SubscriptionService) applyEvent(ctx context.Context, event stripe.Event, listing model.Listing, nextTier tier.Tier, status model.SubscriptionStatus, subscriptionRef string) error {
	applied, err := s.repo.ApplySubscriptionState(ctx, repository.ApplySubscriptionStateParams{
		ListingID:       listing.ID,
		Tier:            nextTier,
		Status:          status,
		CustomerRef:     listing.CustomerRef,
		SubscriptionRef: subscriptionRef,
		IsFeatured:      model.Featured(nextTier, status),
		EventTime:       time.Unix(event.Created, 0).UTC(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			s.logger.WarnContext(ctx, "Listing vanished during event processing", "listing_id", listing.ID)
			return nil
		}
		return err
	}

	s.recordEvent(ctx, event.ID, string(event.Type), subscriptionRef, listing.ID, applied)
	s.logger.InfoContext(ctx, "Subscription event processed",
		"listing_id", listing.ID, "type", event.Type, "tier", nextTier, "status", status, "applied", applied)
	return nil
}

func (s *SubscriptionService) recordEvent(ctx context.Context, eventID, eventType, subscriptionRef string, listingID uuid.UUID, applied bool) {
	if eventID == "" {
		return
	}
	s.telemetry.RecordWebhookEvent(ctx, eventType, applied)
	record := model.BillingEventRecord{
		ID:              uuid.New(),
		ProviderEventID: eventID,
		EventType:       eventType,
		SubscriptionRef: subscriptionRef,
		ListingID:       listingID,
		Applied:         applied,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.RecordBillingEvent(ctx, record); err != nil {
		s.logger.WarnContext(ctx, "Failed to record billing event", "error", err, "event_id", eventID)
	}
}
