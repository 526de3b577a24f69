package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/middleware"
	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

type StorageHandler struct {
	storage  service.StorageService
	maxBytes int64
	log      logger.Logger
}

func NewStorageHandler(storage service.StorageService, maxBytes int64, log logger.Logger) *StorageHandler {
	return &StorageHandler{
		storage:  storage,
		maxBytes: maxBytes,
		log:      log,
	}
}

// Upload принимает сырое тело запроса: POST /storage/:provider/*path
func (h *StorageHandler) Upload(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	provider := c.Param("provider")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if c.Request.ContentLength > h.maxBytes {
		respondError(c, h.log, "Upload rejected", fmt.Errorf("%w: %d bytes exceeds %d", apperrors.ErrPayloadTooLarge, c.Request.ContentLength, h.maxBytes))
		return
	}
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: body exceeds %d bytes", apperrors.ErrPayloadTooLarge, h.maxBytes)
		}
		respondError(c, h.log, "Failed to read upload", err)
		return
	}

	obj, err := h.storage.Upload(c.Request.Context(), actor, provider, path, c.ContentType(), data)
	if err != nil {
		respondError(c, h.log, "Upload failed", err)
		return
	}
	url, err := h.storage.PublicURL(obj.Ref())
	if err != nil {
		respondError(c, h.log, "Upload failed", err)
		return
	}

	h.log.Info("Object uploaded", "ref", obj.Ref(), "size", obj.Size, "user_id", actor)
	c.JSON(http.StatusCreated, wire.UploadResponse{
		Ref:         obj.Ref(),
		URL:         url,
		Size:        obj.Size,
		ContentType: obj.ContentType,
	})
}

// Remove удаляет объект по ссылке из query: DELETE /storage?ref=local:a/b
func (h *StorageHandler) Remove(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	if err := h.storage.Remove(c.Request.Context(), actor, c.Query("ref")); err != nil {
		respondError(c, h.log, "Failed to remove object", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Serve отдает объект без авторизации: GET /files/:provider/*path
func (h *StorageHandler) Serve(c *gin.Context) {
	ref := c.Param("provider") + ":" + strings.TrimPrefix(c.Param("path"), "/")
	obj, data, err := h.storage.Open(c.Request.Context(), ref)
	if err != nil {
		respondError(c, h.log, "Failed to open object", err)
		return
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}
