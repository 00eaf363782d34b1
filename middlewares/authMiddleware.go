package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware rejects requests that carry no resolved actor. When roles are
// given the actor's role must be one of them.
func AuthMiddleware(roles ...models.RoleName) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, _, err := utils.GetActorFromContext(ctx); err != nil {
			abortUnauthorized(c, "unauthorized")
			return
		}
		if len(roles) == 0 {
			c.Next()
			return
		}
		role, _ := utils.GetRoleFromContext(ctx)
		for _, allowed := range roles {
			if models.RoleName(role) == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "role " + role + " is not allowed",
			"kind":  utils.ErrorKindAuthorization,
		})
	}
}
