package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

func (ls *LocalStorage) Store(ctx context.Context, listingID uuid.UUID, filename string, content io.Reader, contentType string) (string, error) {
	key := photoKey(listingID, filename)

	fullPath := filepath.Join(ls.basePath, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, content); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return key, nil
}

func (ls *LocalStorage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("photo not found")
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := ls.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

func (ls *LocalStorage) URL(ctx context.Context, key string, expiration time.Duration) (string, error) {
	// Served by the static file route.
	return fmt.Sprintf("/photos/%s", key), nil
}

// resolve joins the key onto the base path and rejects traversal outside
// of it.
func (ls *LocalStorage) resolve(key string) (string, error) {
	fullPath := filepath.Join(ls.basePath, key)

	absBasePath, err := filepath.Abs(ls.basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absFullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}

	if !strings.HasPrefix(absFullPath, absBasePath) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}

	return fullPath, nil
}

// photoKey builds the storage key listings/<listing_id>/<uuid>_<name>.
// The random component keeps same-named uploads from clobbering each
// other.
func photoKey(listingID uuid.UUID, filename string) string {
	return fmt.Sprintf("listings/%s/%s_%s",
		listingID.String(),
		uuid.New().String(),
		sanitizeFilename(filename),
	)
}

func sanitizeFilename(filename string) string {
	for _, c := range []string{"/", "\\", "..", ":", "*", "?", "\"", "<", ">", "|"} {
		filename = strings.ReplaceAll(filename, c, "_")
	}
	return filename
}
