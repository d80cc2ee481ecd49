// Package memory is an in-process imagestore.Gateway used for local development
// and tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/live-banner/imagestore"
)

// Store keeps payloads in a bucket -> key -> payload map.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]imagestore.Payload
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{buckets: make(map[string]map[string]imagestore.Payload)}
}

// Get returns the payload stored under bucket/key.
func (s *Store) Get(ctx context.Context, bucket, key string) (imagestore.Payload, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.buckets[bucket][key]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", imagestore.ErrNotFound, bucket, key)
	}
	return p, nil
}

// Put validates and stores p, overwriting any previous object.
func (s *Store) Put(ctx context.Context, bucket, key string, p imagestore.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := imagestore.ValidatePayload(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]imagestore.Payload)
		s.buckets[bucket] = b
	}
	b[key] = p
	slog.Debug("image stored", slog.String("bucket", bucket), slog.String("key", key), slog.Int("size", len(p)), slog.String("component", "imagestore_memory"))
	return nil
}

// Delete removes bucket/key. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}
