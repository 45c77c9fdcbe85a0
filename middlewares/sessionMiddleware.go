package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vendcash/collections_backend/utils"
)

const HeaderCorrelationId = "X-Correlation-Id"

// CorrelationMiddleware tags every request with a correlation id, reusing the
// caller's when present, and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderCorrelationId, cid)
		c.Next()
	}
}
