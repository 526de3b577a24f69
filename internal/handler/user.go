package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/middleware"
	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	"lab_collab/pkg/logger"
)

type UserHandler struct {
	userService service.UserService
	log         logger.Logger
}

func NewUserHandler(userService service.UserService, log logger.Logger) *UserHandler {
	return &UserHandler{
		userService: userService,
		log:         log,
	}
}

func (h *UserHandler) GetMe(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	user, err := h.userService.GetMe(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, "Failed to load user", err)
		return
	}

	c.JSON(http.StatusOK, user)
}

func (h *UserHandler) UpdateMe(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req wire.UpdateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.userService.UpdateMe(c.Request.Context(), userID, req.DisplayName, req.AvatarURL)
	if err != nil {
		respondError(c, h.log, "Failed to update user", err)
		return
	}

	c.JSON(http.StatusOK, user)
}
