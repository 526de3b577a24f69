package middleware

import (
	"github.com/gin-gonic/gin"
	"lab_collab/internal/wire"
	"lab_collab/pkg/errors"
)

// ErrorHandler отвечает на ошибки, положенные обработчиками через c.Error
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		c.JSON(errors.HTTPStatusFromError(err), wire.ErrorResponse{
			Error: err.Error(),
			Code:  errors.Code(err),
		})
	}
}
