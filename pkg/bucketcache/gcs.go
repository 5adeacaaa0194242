package bucketcache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// GCSStore implements ObjectStore on Google Cloud Storage.
type GCSStore struct {
	client GCSClient
	logger zerolog.Logger
}

// NewGCSStore creates a GCSStore using application default credentials.
func NewGCSStore(ctx context.Context, logger zerolog.Logger) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewGCSStoreFromClient(NewGCSClientAdapter(client), logger), nil
}

// NewGCSStoreFromClient wraps an existing (possibly mocked) client.
func NewGCSStoreFromClient(client GCSClient, logger zerolog.Logger) *GCSStore {
	return &GCSStore{
		client: client,
		logger: logger.With().Str("component", "GCSStore").Logger(),
	}
}

func (s *GCSStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: key})
	attrs, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Debug().Str("key", key).Str("found", attrs.Name).Msg("Cached list result.")
	return attrs.Name == key, nil
}

func (s *GCSStore) Read(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Write(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.SetAttrs(contentType, metadata)
	if _, err := w.Write(body); err != nil {
		// Closing after a failed write discards the partial upload.
		_ = w.Close()
		return err
	}
	return w.Close()
}
