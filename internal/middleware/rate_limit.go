package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"lab_collab/internal/service"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		log:              log,
	}
}

// Limit ограничивает действие action. Субъект - пользователь, если
// запрос уже аутентифицирован, иначе IP клиента.
func (m *RateLimitMiddleware) Limit(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.ClientIP()
		if id, ok := UserID(c); ok {
			subject = id.String()
		}

		decision, err := m.rateLimitService.Allow(c.Request.Context(), action, subject)
		if err != nil {
			// хранилище лимитов недоступно: пропускаем запрос
			m.log.Error("Rate limit check failed", "error", err, "action", action)
			c.Next()
			return
		}

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		if !decision.Allowed {
			m.log.Warn("Rate limit exceeded", "action", action, "subject", subject)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, wire.ErrorResponse{
				Error: "Rate limit exceeded",
				Code:  apperrors.CodeResourceLimit,
			})
			return
		}
		c.Next()
	}
}
