package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/errcode"
	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/service"
)

type BatchHandler struct {
	batches *service.BatchService
}

func NewBatchHandler(batches *service.BatchService) *BatchHandler {
	return &BatchHandler{batches: batches}
}

type startBatchRequest struct {
	Model     string          `json:"model" form:"model"`
	Prompt    string          `json:"prompt" form:"prompt"`
	ChunkSize int             `json:"chunk_size" form:"chunk_size"`
	ChunkBy   string          `json:"chunk_by" form:"chunk_by"`
	Email     string          `json:"email" form:"email"`
	Files     []inlineJobFile `json:"files"`
}

type batchView struct {
	ID              string              `json:"id"`
	ExternalBatchID string              `json:"external_batch_id,omitempty"`
	Model           string              `json:"model"`
	ChunkSize       int                 `json:"chunk_size"`
	ChunkBy         string              `json:"chunk_by"`
	Status          string              `json:"status"`
	RequestCounts   model.RequestCounts `json:"request_counts"`
	FinalResult     string              `json:"final_result,omitempty"`
	Ctime           int64               `json:"ctime"`
	EndedAt         int64               `json:"ended_at,omitempty"`
	ExpiresAt       int64               `json:"expires_at,omitempty"`
}

func newBatchView(batch *model.Batch) batchView {
	return batchView{
		ID:              batch.ID,
		ExternalBatchID: batch.ExternalBatchID,
		Model:           batch.Model,
		ChunkSize:       batch.ChunkSize,
		ChunkBy:         batch.ChunkBy,
		Status:          batch.Status,
		RequestCounts:   batch.RequestCounts,
		FinalResult:     batch.FinalResult,
		Ctime:           batch.Ctime,
		EndedAt:         batch.EndedAt,
		ExpiresAt:       batch.ExpiresAt,
	}
}

func (h *BatchHandler) Start(c *gin.Context) {
	var req startBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	files := make([]service.JobFile, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, service.JobFile{Name: f.Name, Content: f.Content})
	}
	batch, err := h.batches.Submit(c.Request.Context(), &service.StartBatchRequest{
		UserID:    getUserID(c),
		Model:     req.Model,
		Prompt:    req.Prompt,
		ChunkSize: req.ChunkSize,
		ChunkBy:   req.ChunkBy,
		Email:     req.Email,
		Files:     files,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, newBatchView(batch))
}

func (h *BatchHandler) Status(c *gin.Context) {
	batch, items, err := h.batches.Status(c.Request.Context(), getUserID(c), c.Param("batch_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	view := newBatchView(batch)
	itemViews := make([]gin.H, 0, len(items))
	for _, item := range items {
		itemViews = append(itemViews, gin.H{"custom_id": item.CustomID, "result": item.Result})
	}
	response.Success(c, gin.H{"batch": view, "items": itemViews})
}

func (h *BatchHandler) List(c *gin.Context) {
	batches, err := h.batches.List(c.Request.Context(), getUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for i := range batches {
		views = append(views, newBatchView(&batches[i]))
	}
	response.Success(c, gin.H{"batches": views})
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	batch, err := h.batches.Cancel(c.Request.Context(), getUserID(c), c.Param("batch_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, newBatchView(batch))
}
