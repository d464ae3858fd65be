package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ws"
)

type WSHandler struct {
	hub *ws.Hub
}

func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) Results(c *gin.Context) {
	if err := h.hub.Serve(c.Writer, c.Request); err != nil {
		logutil.GetLogger(c.Request.Context()).Warn("ws upgrade failed", zap.Error(err))
	}
}
