package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxTokens caps the generated output per chunk.
const DefaultMaxTokens = 1024

// BlockedText is returned in place of generated output when the provider
// rejects the input on content-policy grounds. It is a successful result,
// not an error.
const BlockedText = "[Content blocked due to safety concerns]"

var ErrUnavailable = errors.New("provider not configured")

// Result carries the provider reply together with the response headers the
// rate limiter feeds on.
type Result struct {
	Text       string
	Headers    http.Header
	StatusCode int
}

type IProvider interface {
	Name() string
	Generate(ctx context.Context, model string, prompt string) (*Result, error)
}

// RateLimitedError reports a 429 answer. RetryAfter is zero when the
// provider sent no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Headers    http.Header
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AuthError reports a 401/403 answer. Never retried.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed with status %d", e.StatusCode)
}

// TransientError reports any other non-2xx answer or a network failure.
type TransientError struct {
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient provider error: %s", e.Message)
}

// Classify maps an HTTP result to the error taxonomy. A nil return means the
// call succeeded.
func Classify(res *Result) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: ParseRetryAfter(res.Headers), Headers: res.Headers}
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: res.StatusCode}
	default:
		return &TransientError{StatusCode: res.StatusCode, Message: strings.TrimSpace(res.Text)}
	}
}

// ParseRetryAfter reads a retry-after header expressed in seconds.
func ParseRetryAfter(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	raw := headers.Get("retry-after")
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

type ProviderFactory func(args interface{}) (IProvider, error)

var registry = map[string]ProviderFactory{}

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func NewProvider(name string, args interface{}) (IProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode provider config: %w", err)
	}
	return nil
}
