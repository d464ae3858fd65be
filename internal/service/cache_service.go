package service

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

// CacheStore is the persistence contract for content-addressed results.
// *repo.CacheRepo is the production implementation.
type CacheStore interface {
	Get(ctx context.Context, key string) (*model.CachedResult, error)
	Reserve(ctx context.Context, rec *model.CachedResult) (bool, error)
	Fulfill(ctx context.Context, key, response string) error
	Release(ctx context.Context, key string) error
	ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.CachedResult, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	ClearByUser(ctx context.Context, userID string) error
}

// CacheService layers an in-process LRU over the persisted store. The LRU
// only ever holds completed responses; pending claims live in the store
// alone.
type CacheService struct {
	store CacheStore
	lru   *expirable.LRU[string, string]
}

func NewCacheService(store CacheStore) *CacheService {
	lru := expirable.NewLRU[string, string](10000, nil, 2*time.Hour)
	return &CacheService{store: store, lru: lru}
}

// Lookup reports a completed cached response for key, if any.
func (s *CacheService) Lookup(ctx context.Context, key string) (string, bool, error) {
	if text, ok := s.lru.Get(key); ok {
		return text, true, nil
	}
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if appErr.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if rec.State != model.CacheStateCompleted {
		return "", false, nil
	}
	s.lru.Add(key, rec.Response)
	return rec.Response, true, nil
}

// Reserve claims key for the caller. A false return means another writer
// holds the key, completed or in flight.
func (s *CacheService) Reserve(ctx context.Context, rec *model.CachedResult) (bool, error) {
	return s.store.Reserve(ctx, rec)
}

// Fulfill completes a held claim and primes the LRU.
func (s *CacheService) Fulfill(ctx context.Context, key, response string) error {
	if err := s.store.Fulfill(ctx, key, response); err != nil {
		return err
	}
	s.lru.Add(key, response)
	return nil
}

// Release abandons a held claim after a failed computation.
func (s *CacheService) Release(ctx context.Context, key string) error {
	return s.store.Release(ctx, key)
}

func (s *CacheService) List(ctx context.Context, userID string, limit, offset uint) ([]model.CachedResult, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

func (s *CacheService) Size(ctx context.Context, userID string) (int64, error) {
	return s.store.CountByUser(ctx, userID)
}

// Clear drops one user's persisted results and evicts only that user's
// keys from the LRU; other users keep their hot entries.
func (s *CacheService) Clear(ctx context.Context, userID string) error {
	const page = 500
	keys := make([]string, 0)
	for offset := uint(0); ; offset += page {
		records, err := s.store.ListByUser(ctx, userID, page, offset)
		if err != nil {
			return err
		}
		for _, rec := range records {
			keys = append(keys, rec.CacheKey)
		}
		if len(records) < page {
			break
		}
	}
	if err := s.store.ClearByUser(ctx, userID); err != nil {
		return err
	}
	for _, key := range keys {
		s.lru.Remove(key)
	}
	return nil
}
