package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rangedir/internal/model"
	"rangedir/internal/repository"
	"rangedir/internal/storage"
	"rangedir/internal/tier"
)

// ErrPhotoLimitReached means the listing already carries as many photos
// as its tier allows.
var ErrPhotoLimitReached = errors.New("photo limit reached for tier")

type ListingService struct {
	repo   repository.Repository
	photos storage.PhotoStorage
	logger *slog.Logger
}

func NewListingService(repo repository.Repository, photos storage.PhotoStorage, logger *slog.Logger) *ListingService {
	return &ListingService{
		repo:   repo,
		photos: photos,
		logger: logger,
	}
}

// Entitlements returns the listing together with the feature bundle its
// current tier grants.
func (s *ListingService) Entitlements(ctx context.Context, listingID uuid.UUID) (model.Listing, tier.Entitlements, error) {
	listing, err := s.repo.GetListingByID(ctx, listingID)
	if err != nil {
		return model.Listing{}, tier.Entitlements{}, err
	}
	return listing, tier.EntitlementsFor(listing.Tier), nil
}

// UploadPhoto stores a photo for the listing after checking the tier's
// photo allowance. Returns the storage key and a servable URL.
func (s *ListingService) UploadPhoto(ctx context.Context, listingID uuid.UUID, filename string, content io.Reader, contentType string) (string, string, error) {
	listing, err := s.repo.GetListingByID(ctx, listingID)
	if err != nil {
		return "", "", err
	}

	ents := tier.EntitlementsFor(listing.Tier)
	if !ents.AllowsPhotoCount(len(listing.Photos) + 1) {
		return "", "", fmt.Errorf("%w: limit %d", ErrPhotoLimitReached, ents.PhotoLimit)
	}

	key, err := s.photos.Store(ctx, listingID, filename, content, contentType)
	if err != nil {
		return "", "", fmt.Errorf("failed to store photo: %w", err)
	}

	if err := s.repo.AddListingPhoto(ctx, listingID, key); err != nil {
		// Orphaned objects are worse than a failed upload; best effort
		// cleanup before reporting the error.
		if delErr := s.photos.Delete(ctx, key); delErr != nil {
			s.logger.WarnContext(ctx, "Failed to clean up stored photo", "error", delErr, "key", key)
		}
		return "", "", err
	}

	url, err := s.photos.URL(ctx, key, 15*time.Minute)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to build photo URL", "error", err, "key", key)
		url = ""
	}

	s.logger.InfoContext(ctx, "Photo uploaded", "listing_id", listingID, "key", key)
	return key, url, nil
}
