package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/middleware"
	"github.com/xxxsen/textmill/internal/pkg/errcode"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
	"github.com/xxxsen/textmill/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	value, _ := c.Get(middleware.ContextUserIDKey)
	userID, _ := value.(string)
	return userID
}

func pageParams(c *gin.Context) (limit, offset uint) {
	limit = 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil && v > 0 && v <= 500 {
			limit = uint(v)
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil {
			offset = uint(v)
		}
	}
	return limit, offset
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.Error(c, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, err.Error())
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, "conflict")
	case errors.Is(err, ai.ErrUnavailable):
		response.Error(c, errcode.ErrProviderUnavailable, "provider not configured")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
