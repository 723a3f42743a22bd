package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"rangedir/internal/repository"
	"rangedir/internal/service"
)

func (h *Handler) GetListingEntitlements(c *fiber.Ctx) error {
	listingID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid listing ID"})
	}

	listing, ents, err := h.listingService.Entitlements(c.Context(), listingID)
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "Listing not found"})
		}
		h.telemetry.Logger().ErrorContext(c.Context(), "Failed to get entitlements", "error", err, "listing_id", listingID)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to get entitlements"})
	}

	return c.JSON(fiber.Map{
		"listing_id":   listing.ID,
		"tier":         listing.Tier,
		"status":       listing.Status,
		"is_featured":  listing.IsFeatured,
		"entitlements": ents,
	})
}

func (h *Handler) UploadListingPhoto(c *fiber.Ctx) error {
	listingID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid listing ID"})
	}

	file, err := c.FormFile("photo")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "No photo uploaded"})
	}

	const maxPhotoSize = 10 * 1024 * 1024
	if file.Size > maxPhotoSize {
		return c.Status(400).JSON(fiber.Map{"error": "Photo too large (max 10MB)"})
	}

	src, err := file.Open()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to open uploaded photo"})
	}
	defer src.Close()

	key, url, err := h.listingService.UploadPhoto(c.Context(), listingID, file.Filename, src, file.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, repository.ErrListingNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "Listing not found"})
		}
		if errors.Is(err, service.ErrPhotoLimitReached) {
			return c.Status(403).JSON(fiber.Map{"error": "Photo limit reached for current tier"})
		}
		h.telemetry.Logger().ErrorContext(c.Context(), "Failed to upload photo", "error", err, "listing_id", listingID)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to upload photo"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"key":     key,
		"url":     url,
	})
}
