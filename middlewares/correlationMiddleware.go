package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderCorrelationId = "X-Correlation-Id"

// CorrelationMiddleware tags the request with the caller's correlation id or
// a new one, and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Request.Header.Get(HeaderCorrelationId))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), id))
		c.Header(HeaderCorrelationId, id)
		c.Next()
	}
}
