package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/ratelimit"
	"github.com/xxxsen/textmill/internal/repo"
)

// DispatchService runs a single chunk through the full pipeline: cache
// lookup, rate limit admission, provider call with retries, and cache
// write-back. Identical chunks hit the provider at most once.
type DispatchService struct {
	cache    *CacheService
	limiters *ratelimit.Manager
	errlog   *ErrorLogService
	policy   ai.RetryPolicy
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDispatchService(cache *CacheService, limiters *ratelimit.Manager, errlog *ErrorLogService, cfg config.ProcessConfig) *DispatchService {
	return &DispatchService{
		cache:    cache,
		limiters: limiters,
		errlog:   errlog,
		policy:   ai.DefaultRetryPolicy(cfg.MaxRetries),
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func buildPrompt(prompt, chunk string) string {
	return fmt.Sprintf("%s\n\n%s", prompt, chunk)
}

// ProcessChunk returns the generated text for one chunk.
func (s *DispatchService) ProcessChunk(ctx context.Context, userID string, provider ai.IProvider, modelName, prompt, chunk string) (string, error) {
	key := repo.CacheKey(userID, provider.Name(), modelName, chunk)
	logger := logutil.GetLogger(ctx).With(
		zap.String("user_id", userID),
		zap.String("provider", provider.Name()),
	)

	if text, ok, err := s.cache.Lookup(ctx, key); err != nil {
		logger.Warn("cache lookup failed", zap.Error(err))
	} else if ok {
		logger.Debug("cache hit")
		return text, nil
	}

	claimed, err := s.cache.Reserve(ctx, &model.CachedResult{
		CacheKey: key,
		UserID:   userID,
		Provider: provider.Name(),
		Model:    modelName,
		Chunk:    chunk,
	})
	if err != nil {
		logger.Warn("cache reserve failed", zap.Error(err))
	}
	if !claimed && err == nil {
		// Another writer holds the key. It may already have completed.
		if text, ok, lerr := s.cache.Lookup(ctx, key); lerr == nil && ok {
			return text, nil
		}
	}

	text, genErr := s.generate(ctx, userID, provider, modelName, prompt, chunk)
	if genErr != nil {
		if claimed {
			if rerr := s.cache.Release(ctx, key); rerr != nil {
				logger.Warn("cache release failed", zap.Error(rerr))
			}
		}
		s.errlog.Record(ctx, userID, errorTypeOf(genErr), genErr.Error())
		return "", genErr
	}
	if claimed {
		if ferr := s.cache.Fulfill(ctx, key, text); ferr != nil {
			logger.Warn("cache fulfill failed", zap.Error(ferr))
		}
	}
	return text, nil
}

func (s *DispatchService) generate(ctx context.Context, userID string, provider ai.IProvider, modelName, prompt, chunk string) (string, error) {
	limiter := s.limiters.Get(provider.Name(), userID)
	if err := limiter.Acquire(ctx); err != nil {
		return "", err
	}
	op := func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		res, err := provider.Generate(callCtx, modelName, buildPrompt(prompt, chunk))
		if err != nil {
			return "", err
		}
		if res.Headers != nil {
			if uerr := limiter.UpdateFromHeaders(ctx, res.Headers); uerr != nil {
				logutil.GetLogger(ctx).Warn("failed to update limiter from headers", zap.Error(uerr))
			}
		}
		if cerr := ai.Classify(res); cerr != nil {
			return "", cerr
		}
		return res.Text, nil
	}

	sleep := s.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var text string
	// A rate-limit answer carrying an explicit retry-after hint earns one
	// immediate extra call after honoring the hint; only if that call also
	// fails does the error fall back to the wrapper's generic backoff.
	err := ai.Retry(ctx, s.policy, func(ctx context.Context) error {
		var opErr error
		text, opErr = op(ctx)
		if opErr == nil {
			return nil
		}
		var rateLimited *ai.RateLimitedError
		if errors.As(opErr, &rateLimited) && rateLimited.RetryAfter > 0 {
			if serr := sleep(ctx, rateLimited.RetryAfter); serr != nil {
				return serr
			}
			text, opErr = op(ctx)
		}
		return opErr
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func errorTypeOf(err error) string {
	var rateLimited *ai.RateLimitedError
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var authErr *ai.AuthError
	if errors.As(err, &authErr) {
		return "auth_failed"
	}
	var transient *ai.TransientError
	if errors.As(err, &transient) {
		return "provider_error"
	}
	return "processing_failed"
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
