package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

// respondError переводит ошибку сервиса в HTTP статус и стабильный код
func respondError(c *gin.Context, log logger.Logger, msg string, err error) {
	status := apperrors.HTTPStatusFromError(err)
	if status >= 500 {
		log.Error(msg, "error", err, "path", c.Request.URL.Path)
	} else {
		log.Debug(msg, "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, wire.ErrorResponse{Error: err.Error(), Code: apperrors.Code(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, wire.ErrorResponse{Error: "Invalid request: " + err.Error(), Code: apperrors.CodeInvalidArgument})
}
