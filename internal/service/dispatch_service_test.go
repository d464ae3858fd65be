package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
	"github.com/xxxsen/textmill/internal/ratelimit"
)

type memCacheStore struct {
	mu   sync.Mutex
	rows map[string]*model.CachedResult
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{rows: make(map[string]*model.CachedResult)}
}

func (s *memCacheStore) Get(ctx context.Context, key string) (*model.CachedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memCacheStore) Reserve(ctx context.Context, rec *model.CachedResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rec.CacheKey]; ok {
		return false, nil
	}
	clone := *rec
	clone.State = model.CacheStatePending
	s.rows[rec.CacheKey] = &clone
	return true, nil
}

func (s *memCacheStore) Fulfill(ctx context.Context, key, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key]
	if !ok || rec.State != model.CacheStatePending {
		return nil
	}
	rec.Response = response
	rec.State = model.CacheStateCompleted
	return nil
}

func (s *memCacheStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rows[key]; ok && rec.State == model.CacheStatePending {
		delete(s.rows, key)
	}
	return nil
}

func (s *memCacheStore) ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.CachedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CachedResult, 0)
	for _, rec := range s.rows {
		if rec.UserID == userID && rec.State == model.CacheStateCompleted {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *memCacheStore) CountByUser(ctx context.Context, userID string) (int64, error) {
	records, _ := s.ListByUser(ctx, userID, 0, 0)
	return int64(len(records)), nil
}

func (s *memCacheStore) ClearByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.rows {
		if rec.UserID == userID {
			delete(s.rows, key)
		}
	}
	return nil
}

type memRateStore struct {
	mu   sync.Mutex
	rows map[string]*model.RateLimitState
}

func newMemRateStore() *memRateStore {
	return &memRateStore{rows: make(map[string]*model.RateLimitState)}
}

func (s *memRateStore) Get(ctx context.Context, provider, userID string) (*model.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rows[provider+"|"+userID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	clone := *st
	return &clone, nil
}

func (s *memRateStore) Create(ctx context.Context, st *model.RateLimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.Provider + "|" + st.UserID
	if _, ok := s.rows[key]; ok {
		return appErr.ErrConflict
	}
	clone := *st
	s.rows[key] = &clone
	return nil
}

func (s *memRateStore) UpdateIfVersion(ctx context.Context, st *model.RateLimitState, expect int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.Provider + "|" + st.UserID
	current, ok := s.rows[key]
	if !ok || current.Version != expect {
		return false, nil
	}
	clone := *st
	s.rows[key] = &clone
	return true, nil
}

type fakeProvider struct {
	name       string
	mu         sync.Mutex
	calls      int
	failures   int
	rateLimits int
	retryAfter string
	response   func(prompt string) string
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) Generate(ctx context.Context, model string, prompt string) (*ai.Result, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if call <= p.rateLimits {
		headers := http.Header{}
		if p.retryAfter != "" {
			headers.Set("Retry-After", p.retryAfter)
		}
		return &ai.Result{Text: "rate limited", Headers: headers, StatusCode: 429}, nil
	}
	if call-p.rateLimits <= p.failures {
		return &ai.Result{Text: "server error", Headers: http.Header{}, StatusCode: 500}, nil
	}
	text := prompt
	if p.response != nil {
		text = p.response(prompt)
	}
	return &ai.Result{Text: text, Headers: http.Header{}, StatusCode: 200}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestDispatch(store CacheStore, maxRetries int) *DispatchService {
	limiters := ratelimit.NewManager(newMemRateStore(), ratelimit.Config{MaxRPM: 1000, MaxRPH: 10000, Cooldown: time.Millisecond})
	svc := NewDispatchService(NewCacheService(store), limiters, nil, config.ProcessConfig{
		TimeoutSeconds: 5,
		MaxRetries:     maxRetries,
	})
	svc.policy.InitialWait = time.Millisecond
	return svc
}

func TestProcessChunkCachesResult(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 3)
	provider := &fakeProvider{}

	text, err := svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "summarize", "hello world")
	require.NoError(t, err)
	require.Equal(t, "summarize\n\nhello world", text)
	require.Equal(t, 1, provider.callCount())

	// Same chunk again: served from cache, no second provider call.
	text, err = svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "summarize", "hello world")
	require.NoError(t, err)
	require.Equal(t, "summarize\n\nhello world", text)
	require.Equal(t, 1, provider.callCount())
}

func TestProcessChunkDifferentUsersDoNotShareCache(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 3)
	provider := &fakeProvider{}

	_, err := svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "p", "chunk")
	require.NoError(t, err)
	_, err = svc.ProcessChunk(context.Background(), "user-2", provider, "m1", "p", "chunk")
	require.NoError(t, err)
	require.Equal(t, 2, provider.callCount())
}

func TestProcessChunkRetriesTransientFailures(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 5)
	provider := &fakeProvider{failures: 2}

	text, err := svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "p", "chunk")
	require.NoError(t, err)
	require.Equal(t, "p\n\nchunk", text)
	require.Equal(t, 3, provider.callCount())
}

func TestProcessChunkHonorsRetryAfterHint(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 5)
	var hintSleeps, backoffSleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		hintSleeps = append(hintSleeps, d)
		return nil
	}
	svc.policy.Sleep = func(ctx context.Context, d time.Duration) error {
		backoffSleeps = append(backoffSleeps, d)
		return nil
	}
	provider := &fakeProvider{rateLimits: 1, retryAfter: "1.5"}

	text, err := svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "p", "chunk")
	require.NoError(t, err)
	require.Equal(t, "p\n\nchunk", text)
	// The hint is honored at the moment of the 429: one hint sleep and one
	// extra call, with the generic backoff never engaged.
	require.Equal(t, []time.Duration{1500 * time.Millisecond}, hintSleeps)
	require.Empty(t, backoffSleeps)
	require.Equal(t, 2, provider.callCount())
}

func TestProcessChunkFallsBackToBackoffAfterHint(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 5)
	var hintSleeps, backoffSleeps []time.Duration
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		hintSleeps = append(hintSleeps, d)
		return nil
	}
	svc.policy.Sleep = func(ctx context.Context, d time.Duration) error {
		backoffSleeps = append(backoffSleeps, d)
		return nil
	}
	provider := &fakeProvider{rateLimits: 2, retryAfter: "1"}

	text, err := svc.ProcessChunk(context.Background(), "user-1", provider, "m1", "p", "chunk")
	require.NoError(t, err)
	require.Equal(t, "p\n\nchunk", text)
	// When the hinted extra call is rate limited too, the error surfaces to
	// the wrapper and its own backoff takes over.
	require.Equal(t, []time.Duration{time.Second}, hintSleeps)
	require.Equal(t, []time.Duration{time.Millisecond}, backoffSleeps)
	require.Equal(t, 3, provider.callCount())
}

func TestProcessChunkReleasesClaimOnFailure(t *testing.T) {
	store := newMemCacheStore()
	svc := newTestDispatch(store, 2)
	failing := &fakeProvider{failures: 100}

	_, err := svc.ProcessChunk(context.Background(), "user-1", failing, "m1", "p", "chunk")
	require.Error(t, err)

	// The claim was released, so a later attempt with a healthy provider
	// computes and caches the chunk.
	healthy := &fakeProvider{}
	text, err := svc.ProcessChunk(context.Background(), "user-1", healthy, "m1", "p", "chunk")
	require.NoError(t, err)
	require.Equal(t, "p\n\nchunk", text)
}
