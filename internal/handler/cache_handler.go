package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/service"
)

type CacheHandler struct {
	cache *service.CacheService
}

func NewCacheHandler(cache *service.CacheService) *CacheHandler {
	return &CacheHandler{cache: cache}
}

func (h *CacheHandler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	records, err := h.cache.List(c.Request.Context(), getUserID(c), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	entries := make([]gin.H, 0, len(records))
	for _, rec := range records {
		entries = append(entries, gin.H{
			"cache_key": rec.CacheKey,
			"provider":  rec.Provider,
			"model":     rec.Model,
			"chunk":     rec.Chunk,
			"response":  rec.Response,
			"ctime":     rec.Ctime,
		})
	}
	response.Success(c, gin.H{"entries": entries})
}

func (h *CacheHandler) Size(c *gin.Context) {
	count, err := h.cache.Size(c.Request.Context(), getUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"size": count})
}

func (h *CacheHandler) Clear(c *gin.Context) {
	if err := h.cache.Clear(c.Request.Context(), getUserID(c)); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"cleared": true})
}
