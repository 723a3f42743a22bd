package storage

import (
	"context"
	"fmt"

	"rangedir/internal/config"
)

// NewPhotoStorage builds the configured backend. Local disk is the
// development default; S3 is used in deployed environments.
func NewPhotoStorage(ctx context.Context, cfg config.StorageConfig) (PhotoStorage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.LocalPath)
	case "s3":
		if cfg.S3Bucket == "" || cfg.S3Region == "" {
			return nil, fmt.Errorf("S3 bucket and region are required for s3 storage")
		}
		return NewS3Storage(ctx, cfg.S3Bucket, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
