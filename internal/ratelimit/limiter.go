package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

// Store is the persistence contract for limiter state. UpdateIfVersion must
// apply the write only when the stored version still equals expect and
// report whether it did.
type Store interface {
	Get(ctx context.Context, provider, userID string) (*model.RateLimitState, error)
	Create(ctx context.Context, state *model.RateLimitState) error
	UpdateIfVersion(ctx context.Context, state *model.RateLimitState, expect int64) (bool, error)
}

type Config struct {
	MaxRPM   int
	MaxRPH   int
	Cooldown time.Duration
}

// Limiter enforces a dual sliding window (per-minute and per-hour) for one
// (provider, user) pair over a shared versioned row. Every decision is a
// read-compute-conditional-write cycle; a stale write re-reads and redoes
// the whole decision instead of patching deltas.
type Limiter struct {
	store    Store
	provider string
	userID   string
	cfg      Config

	mu    sync.Mutex
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLimiter(store Store, provider, userID string, cfg Config) *Limiter {
	return &Limiter{
		store:    store,
		provider: provider,
		userID:   userID,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Acquire blocks until a request slot is admitted in both windows, then
// commits the increment. It suspends the caller rather than spinning.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		st, err := l.loadOrCreate(ctx)
		if err != nil {
			return err
		}
		now := unixSeconds(l.now())
		if now >= st.ResetTimeRPM {
			st.ResetTimeRPM = now + 60
			st.RequestCountRPM = 0
		}
		if now >= st.ResetTimeRPH {
			st.ResetTimeRPH = now + 3600
			st.RequestCountRPH = 0
		}
		if st.RequestCountRPM >= st.MaxRPM || st.RequestCountRPH >= st.MaxRPH {
			wait := st.CooldownPeriod
			if st.LastRetryAfter > wait {
				wait = st.LastRetryAfter
			}
			logutil.GetLogger(ctx).Info("rate limit reached, waiting",
				zap.String("provider", l.provider),
				zap.String("user_id", l.userID),
				zap.Float64("wait_seconds", wait),
			)
			if err := l.sleep(ctx, time.Duration(wait*float64(time.Second))); err != nil {
				return err
			}
			now = unixSeconds(l.now())
			st.ResetTimeRPM = now + 60
			st.ResetTimeRPH = now + 3600
			st.RequestCountRPM = 0
			st.RequestCountRPH = 0
		}
		st.RequestCountRPM++
		st.RequestCountRPH++
		ok, err := l.commit(ctx, st)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Stale version: another writer won, redo the whole decision.
	}
}

// UpdateFromHeaders folds provider-reported quota numbers and an explicit
// retry-after into the stored state. This tunes future waits only, it never
// gates admission by itself.
func (l *Limiter) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	if headers == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		st, err := l.loadOrCreate(ctx)
		if err != nil {
			return err
		}
		foldUsage(&st.Usage, headers)
		if raw := headers.Get("retry-after"); raw != "" {
			if secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && secs >= 0 {
				st.LastRetryAfter = secs
			}
		}
		ok, err := l.commit(ctx, st)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// Snapshot returns the current persisted state for observability endpoints.
func (l *Limiter) Snapshot(ctx context.Context) (*model.RateLimitState, error) {
	return l.loadOrCreate(ctx)
}

func (l *Limiter) loadOrCreate(ctx context.Context) (*model.RateLimitState, error) {
	st, err := l.store.Get(ctx, l.provider, l.userID)
	if err == nil {
		return st, nil
	}
	if !appErr.IsNotFound(err) {
		return nil, err
	}
	now := unixSeconds(l.now())
	st = &model.RateLimitState{
		Provider:       l.provider,
		UserID:         l.userID,
		MaxRPM:         l.cfg.MaxRPM,
		MaxRPH:         l.cfg.MaxRPH,
		CooldownPeriod: l.cfg.Cooldown.Seconds(),
		ResetTimeRPM:   now + 60,
		ResetTimeRPH:   now + 3600,
		Version:        1,
	}
	if err := l.store.Create(ctx, st); err != nil {
		if appErr.IsConflict(err) {
			// Lost the creation race, use the winner's row.
			return l.store.Get(ctx, l.provider, l.userID)
		}
		return nil, err
	}
	return st, nil
}

func (l *Limiter) commit(ctx context.Context, st *model.RateLimitState) (bool, error) {
	expect := st.Version
	st.Version++
	st.Mtime = l.now().UnixMilli()
	ok, err := l.store.UpdateIfVersion(ctx, st, expect)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func foldUsage(usage *model.ProviderUsage, headers http.Header) {
	fold := func(dst *model.QuotaWindow, prefixes ...string) {
		for _, prefix := range prefixes {
			if v, ok := headerInt(headers, prefix+"-limit"); ok {
				dst.Limit = v
			}
			if v, ok := headerInt(headers, prefix+"-remaining"); ok {
				dst.Remaining = v
			}
			if v := headers.Get(prefix + "-reset"); v != "" {
				dst.ResetTime = v
			}
		}
	}
	fold(&usage.Requests, "anthropic-ratelimit-requests")
	fold(&usage.Tokens, "anthropic-ratelimit-tokens")
	fold(&usage.InputTokens, "anthropic-ratelimit-input-tokens")
	fold(&usage.OutputTokens, "anthropic-ratelimit-output-tokens")
}

func headerInt(headers http.Header, key string) (int64, bool) {
	raw := strings.TrimSpace(headers.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
