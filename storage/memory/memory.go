// Package memory provides an in-memory implementation of storage.Store
// backed by github.com/hashicorp/golang-lru/v2 so the item count stays bounded.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-gateway-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxItems bounds the store when New is given a non-positive size.
const DefaultMaxItems = 128

// Store implements storage.Store in process memory.
type Store struct {
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time
}

// New creates a new in-memory store holding at most maxItems entries.
func New(maxItems int) (*Store, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{cache: cache, now: time.Now}, nil
}

// Get retrieves data for key. Expired items are evicted lazily.
func (s *Store) Get(_ context.Context, key string) (*storage.Item, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.ExpiresAt != nil && s.now().After(*item.ExpiresAt) {
		s.cache.Remove(key)
		return nil, nil
	}
	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores a copy of data under key.
func (s *Store) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	now := s.now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		if *o.TTL <= 0 {
			return storage.ErrInvalidTTL
		}
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.cache.Add(key, item)
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Close purges all entries.
func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}

var _ storage.Store = (*Store)(nil)
