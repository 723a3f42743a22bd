package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"rangedir/internal/monitoring"
	"rangedir/internal/repository"
	"rangedir/internal/service"
	"rangedir/internal/tier"
	"rangedir/internal/validator"
)

type Handler struct {
	subscriptionService *service.SubscriptionService
	listingService      *service.ListingService
	repo                repository.Repository
	validator           *validator.Validator
	telemetry           monitoring.Telemetry
}

func NewHandler(subscriptionService *service.SubscriptionService, listingService *service.ListingService, repo repository.Repository, validator *validator.Validator, telemetry monitoring.Telemetry) Handler {
	return Handler{
		subscriptionService: subscriptionService,
		listingService:      listingService,
		repo:                repo,
		validator:           validator,
		telemetry:           telemetry,
	}
}

type createCheckoutRequest struct {
	ListingID     string `json:"listing_id" validate:"required,uuid"`
	Tier          string `json:"tier" validate:"required,paid_tier"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
}

func (h *Handler) CreateCheckoutSession(c *fiber.Ctx) error {
	var req createCheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	if err := h.validator.Validate(req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid checkout request"})
	}

	listingID, err := uuid.Parse(req.ListingID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid listing ID"})
	}

	sess, err := h.subscriptionService.CreateCheckoutSession(c.Context(), listingID, tier.Tier(req.Tier), req.CustomerEmail)
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "Listing not found"})
		}
		if errors.Is(err, service.ErrInvalidTier) {
			return c.Status(400).JSON(fiber.Map{"error": "Tier is not purchasable"})
		}
		h.telemetry.Logger().ErrorContext(c.Context(), "Failed to create checkout session", "error", err)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to create checkout session"})
	}

	return c.JSON(fiber.Map{
		"session_id":   sess.ID,
		"checkout_url": sess.URL,
	})
}

type verifySessionRequest struct {
	SessionID string `json:"session_id" validate:"required,checkout_session_id"`
	ListingID string `json:"listing_id" validate:"required,uuid"`
}

func (h *Handler) VerifySession(c *fiber.Ctx) error {
	var req verifySessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	if err := h.validator.Validate(req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid session ID or listing ID"})
	}

	listingID, err := uuid.Parse(req.ListingID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid listing ID"})
	}

	listing, err := h.subscriptionService.VerifySession(c.Context(), req.SessionID, listingID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotPaid):
			return c.Status(402).JSON(fiber.Map{"error": "Checkout session is not paid"})
		case errors.Is(err, service.ErrSessionMismatch):
			return c.Status(403).JSON(fiber.Map{"error": "Session does not belong to this listing"})
		case errors.Is(err, repository.ErrListingNotFound):
			return c.Status(404).JSON(fiber.Map{"error": "Listing not found"})
		}
		h.telemetry.Logger().ErrorContext(c.Context(), "Failed to verify session", "error", err, "session_id", req.SessionID)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to verify session"})
	}

	return c.JSON(fiber.Map{
		"listing_id":   listing.ID,
		"tier":         listing.Tier,
		"status":       listing.Status,
		"is_featured":  listing.IsFeatured,
		"entitlements": tier.EntitlementsFor(listing.Tier),
	})
}

// StripeWebhook receives billing provider events. Signature failures get
// a 400; business anomalies are acknowledged with 200 so the provider
// stops retrying; only transient infrastructure errors surface as 500 and
// trigger a redelivery.
func (h *Handler) StripeWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	signature := c.Get("Stripe-Signature")

	err := h.subscriptionService.HandleWebhook(c.Context(), payload, signature)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			h.telemetry.Logger().WarnContext(c.Context(), "Webhook signature rejected", "error", err)
			return c.Status(400).JSON(fiber.Map{"error": "Invalid signature"})
		}
		h.telemetry.Logger().ErrorContext(c.Context(), "Failed to handle webhook", "error", err)
		return c.Status(500).JSON(fiber.Map{"error": "Webhook processing failed"})
	}

	return c.JSON(fiber.Map{"received": true})
}
