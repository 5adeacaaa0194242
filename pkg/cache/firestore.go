package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// firestoreEntry is the document shape written for every key. A Firestore TTL
// policy on expiresAt removes expired documents eventually; reads also treat
// them as absent.
type firestoreEntry struct {
	Value     []byte    `firestore:"value"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreStore is a Store backed by a single Firestore collection.
// It is suitable for low volume deployments where a dedicated Redis instance
// may be overkill.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewFirestoreStore creates a new FirestoreStore around an injected client.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
		now:        time.Now,
	}, nil
}

// docID escapes the key; Firestore document ids may not contain '/'.
func docID(key string) string {
	return url.PathEscape(key)
}

func (s *FirestoreStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	snap, err := s.client.Collection(s.collection).Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("firestore get for %s: %w", key, err)
	}

	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, false, fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	if !entry.ExpiresAt.IsZero() && !s.now().Before(entry.ExpiresAt) {
		s.logger.Debug().Str("key", key).Msg("Document expired, treating as miss.")
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *FirestoreStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	entry := firestoreEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	if _, err := s.client.Collection(s.collection).Doc(docID(key)).Set(ctx, entry); err != nil {
		return false, fmt.Errorf("firestore set for %s: %w", key, err)
	}
	return true, nil
}

// Delete uses an Exists precondition so that a missing document reports false.
func (s *FirestoreStore) Delete(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Collection(s.collection).Doc(docID(key)).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return true, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	return nil
}
