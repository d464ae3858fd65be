package model

// QuotaWindow is one provider-reported quota category
// (requests, tokens, input_tokens, output_tokens).
type QuotaWindow struct {
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	ResetTime string `json:"reset_time"`
}

// ProviderUsage is the last quota snapshot reported by the provider via
// response headers. Informational only, does not gate admission.
type ProviderUsage struct {
	Requests     QuotaWindow `json:"requests"`
	Tokens       QuotaWindow `json:"tokens"`
	InputTokens  QuotaWindow `json:"input_tokens"`
	OutputTokens QuotaWindow `json:"output_tokens"`
}

// RateLimitState is one versioned admission-control row per (provider, user).
// Writers mutate it with compare-and-swap on Version.
type RateLimitState struct {
	ID              string
	Provider        string
	UserID          string
	MaxRPM          int
	MaxRPH          int
	CooldownPeriod  float64
	ResetTimeRPM    float64
	ResetTimeRPH    float64
	RequestCountRPM int
	RequestCountRPH int
	LastRetryAfter  float64
	Usage           ProviderUsage
	Version         int64
	Mtime           int64
}
