package handler

import (
	"net/http"

	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	"lab_collab/pkg/logger"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService service.AuthService
	log         logger.Logger
}

func NewAuthHandler(authService service.AuthService, log logger.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         log,
	}
}

func sessionMeta(c *gin.Context) service.SessionMeta {
	return service.SessionMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req wire.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid registration request", "error", err)
		badRequest(c, err)
		return
	}

	user, err := h.authService.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.log.Warn("Registration failed", "error", err, "email", req.Email)
		respondError(c, h.log, "Registration failed", err)
		return
	}

	h.log.Info("User registered successfully", "user_id", user.ID, "email", user.Email)
	c.JSON(http.StatusCreated, user)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req wire.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid login request", "error", err)
		badRequest(c, err)
		return
	}

	response, err := h.authService.Login(c.Request.Context(), req.Email, req.Password, sessionMeta(c))
	if err != nil {
		h.log.Warn("Login failed", "error", err, "email", req.Email)
		respondError(c, h.log, "Login failed", err)
		return
	}

	h.log.Info("User logged in successfully", "user_id", response.User.ID, "email", response.User.Email)
	c.JSON(http.StatusOK, response)
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req wire.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	response, err := h.authService.RefreshToken(c.Request.Context(), req.RefreshToken, sessionMeta(c))
	if err != nil {
		respondError(c, h.log, "Token refresh failed", err)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req wire.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.authService.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		respondError(c, h.log, "Logout failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
