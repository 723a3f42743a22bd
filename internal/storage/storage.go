package storage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// PhotoStorage stores listing photos under keys scoped to the owning
// listing. Keys are opaque to callers; the repository persists them on
// the listing row.
type PhotoStorage interface {
	// Store saves a photo and returns the storage key.
	Store(ctx context.Context, listingID uuid.UUID, filename string, content io.Reader, contentType string) (string, error)

	// Retrieve gets a photo by storage key.
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a photo by storage key.
	Delete(ctx context.Context, key string) error

	// URL returns a servable URL for the photo; signed with an expiration
	// for S3, a static file path for local storage.
	URL(ctx context.Context, key string, expiration time.Duration) (string, error)
}
