package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/ratelimit"
)

type UsageHandler struct {
	limiters *ratelimit.Manager
}

func NewUsageHandler(limiters *ratelimit.Manager) *UsageHandler {
	return &UsageHandler{limiters: limiters}
}

// Get reports the persisted limiter state for one provider: window counters,
// configured caps and the latest provider-reported quota numbers.
func (h *UsageHandler) Get(c *gin.Context) {
	provider := c.Param("provider")
	limiter := h.limiters.Get(provider, getUserID(c))
	state, err := limiter.Snapshot(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"provider":          state.Provider,
		"request_count_rpm": state.RequestCountRPM,
		"request_count_rph": state.RequestCountRPH,
		"max_rpm":           state.MaxRPM,
		"max_rph":           state.MaxRPH,
		"reset_time_rpm":    state.ResetTimeRPM,
		"reset_time_rph":    state.ResetTimeRPH,
		"last_retry_after":  state.LastRetryAfter,
		"usage":             state.Usage,
	})
}
