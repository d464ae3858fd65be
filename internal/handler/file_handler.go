package handler

import (
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/filestore"
	"github.com/xxxsen/textmill/internal/pkg/errcode"
	"github.com/xxxsen/textmill/internal/pkg/response"
)

type FileHandler struct {
	store filestore.Store
}

func NewFileHandler(store filestore.Store) *FileHandler {
	return &FileHandler{store: store}
}

func safeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." {
		return ""
	}
	return name
}

func (h *FileHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	name := safeFilename(file.Filename)
	if name == "" {
		response.Error(c, errcode.ErrInvalidFile, "invalid filename")
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()
	key := path.Join(filestore.UploadPrefix, name)
	if err := h.store.Save(c.Request.Context(), key, opened); err != nil {
		response.Error(c, errcode.ErrUploadFailed, "failed to upload file")
		return
	}
	response.Success(c, gin.H{"name": name, "key": key})
}

func (h *FileHandler) List(c *gin.Context) {
	prefix := c.DefaultQuery("prefix", filestore.ProcessedPrefix)
	if prefix != filestore.UploadPrefix && prefix != filestore.ProcessedPrefix {
		response.Error(c, errcode.ErrInvalid, "prefix must be 'uploads' or 'processed'")
		return
	}
	names, err := h.store.List(c.Request.Context(), prefix)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"prefix": prefix, "files": names})
}

func (h *FileHandler) Download(c *gin.Context) {
	name := safeFilename(c.Param("name"))
	if name == "" {
		response.Error(c, errcode.ErrInvalid, "invalid filename")
		return
	}
	prefix := c.DefaultQuery("prefix", filestore.ProcessedPrefix)
	if prefix != filestore.UploadPrefix && prefix != filestore.ProcessedPrefix {
		response.Error(c, errcode.ErrInvalid, "prefix must be 'uploads' or 'processed'")
		return
	}
	file, err := h.store.Open(c.Request.Context(), path.Join(prefix, name))
	if err != nil {
		response.Error(c, errcode.ErrNotFound, "file not found")
		return
	}
	defer file.Close()
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
