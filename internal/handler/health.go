package handler

import (
	"net/http"

	"lab_collab/internal/config"
	"lab_collab/internal/service"
	"lab_collab/pkg/logger"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	publicURL string
	stats     service.StatsService
	log       logger.Logger
}

func NewHealthHandler(cfg *config.Config, stats service.StatsService, log logger.Logger) *HealthHandler {
	publicURL := cfg.Server.PublicURL
	if publicURL == "" {
		publicURL = "http://" + config.GetLocalIP()
	}
	return &HealthHandler{
		publicURL: publicURL,
		stats:     stats,
		log:       log,
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "labd",
	})
}

// ServerInfo возвращает адреса, которые нужны клиентам
func (h *HealthHandler) ServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"public_url":   h.publicURL,
		"api_base":     "/api/v1",
		"ws_documents": "/ws/documents",
		"ws_realtime":  "/ws/realtime",
	})
}

func (h *HealthHandler) Stats(c *gin.Context) {
	stats, err := h.stats.Collect(c.Request.Context())
	if err != nil {
		respondError(c, h.log, "Failed to collect stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
