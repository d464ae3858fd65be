package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/pkg/errcode"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/service"
)

// CallbackHandler receives externally pushed batch completions. Callers key
// on the HTTP status line: 200 applied (or already terminal), 400 malformed,
// 404 unknown batch.
type CallbackHandler struct {
	batches *service.BatchService
}

func NewCallbackHandler(batches *service.BatchService) *CallbackHandler {
	return &CallbackHandler{batches: batches}
}

// JobID carries the batch id assigned by the external provider, the only
// id the calling service knows.
type batchCallbackRequest struct {
	JobID       string `json:"job_id"`
	FinalResult string `json:"final_result"`
}

func (h *CallbackHandler) Handle(c *gin.Context) {
	var req batchCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.JobID) == "" || req.FinalResult == "" {
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "job_id and final_result are required")
		return
	}
	if err := h.batches.HandleCallback(c.Request.Context(), req.JobID, req.FinalResult); err != nil {
		if appErr.IsNotFound(err) {
			response.ErrorStatus(c, http.StatusNotFound, errcode.ErrNotFound, "unknown job_id")
			return
		}
		response.ErrorStatus(c, http.StatusInternalServerError, errcode.ErrBatchFailed, "failed to apply callback")
		return
	}
	response.Success(c, gin.H{"accepted": true})
}
