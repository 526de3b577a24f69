package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/middleware"
	"lab_collab/internal/service"
	"lab_collab/internal/store"
	"lab_collab/internal/wire"
	"lab_collab/pkg/logger"
)

// DocumentHandler - REST доступ к документному хранилищу
type DocumentHandler struct {
	documents service.DocumentService
	log       logger.Logger
}

func NewDocumentHandler(documents service.DocumentService, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
		log:       log,
	}
}

var errEmptyFields = errors.New("fields are required")

func (h *DocumentHandler) Add(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	var req wire.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Fields == nil {
		badRequest(c, errEmptyFields)
		return
	}

	doc, err := h.documents.Add(c.Request.Context(), actor, c.Param("collection"), req.Fields)
	if err != nil {
		respondError(c, h.log, "Failed to add document", err)
		return
	}
	c.JSON(http.StatusCreated, wire.DocumentResponse{Document: doc})
}

func (h *DocumentHandler) Set(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	var req wire.SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Fields == nil {
		badRequest(c, errEmptyFields)
		return
	}

	doc, err := h.documents.Set(c.Request.Context(), actor, c.Param("collection"), c.Param("id"), req.Fields, req.Merge)
	if err != nil {
		respondError(c, h.log, "Failed to set document", err)
		return
	}
	c.JSON(http.StatusOK, wire.DocumentResponse{Document: doc})
}

func (h *DocumentHandler) Update(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	var req wire.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if len(req.Patch) == 0 {
		badRequest(c, errors.New("patch is required"))
		return
	}

	doc, err := h.documents.Update(c.Request.Context(), actor, c.Param("collection"), c.Param("id"), req.Patch)
	if err != nil {
		respondError(c, h.log, "Failed to update document", err)
		return
	}
	c.JSON(http.StatusOK, wire.DocumentResponse{Document: doc})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	actor, _ := middleware.UserID(c)
	if err := h.documents.Delete(c.Request.Context(), actor, c.Param("collection"), c.Param("id")); err != nil {
		respondError(c, h.log, "Failed to delete document", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.documents.Get(c.Request.Context(), c.Param("collection"), c.Param("id"))
	if err != nil {
		respondError(c, h.log, "Failed to get document", err)
		return
	}
	c.JSON(http.StatusOK, wire.DocumentResponse{Document: doc})
}

// Query выполняет разовый запрос; коллекция берется из пути
func (h *DocumentHandler) Query(c *gin.Context) {
	var q store.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.Collection = c.Param("collection")

	docs, err := h.documents.Query(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.log, "Failed to query documents", err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	c.JSON(http.StatusOK, wire.QueryResponse{Documents: docs})
}
