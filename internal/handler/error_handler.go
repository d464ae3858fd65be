package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/service"
)

type ErrorHandler struct {
	errors *service.ErrorLogService
}

func NewErrorHandler(errors *service.ErrorLogService) *ErrorHandler {
	return &ErrorHandler{errors: errors}
}

func (h *ErrorHandler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	entries, err := h.errors.List(c.Request.Context(), getUserID(c), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		views = append(views, gin.H{
			"id":         entry.ID,
			"error_type": entry.ErrorType,
			"message":    entry.Message,
			"ctime":      entry.Ctime,
		})
	}
	response.Success(c, gin.H{"errors": views})
}
