package middlewares

import (
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/tc_backend/models"
	"bitbucket.org/mmdatafocus/tc_backend/utils"
	"github.com/gin-gonic/gin"
)

const HeaderUserId = "X-User-Id"

// SessionMiddleware resolves the caller's plant and role from the user id
// header. Requests without the header pass through without an actor.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.Request.Header.Get(HeaderUserId))
		if raw == "" {
			c.Next()
			return
		}
		userId, err := strconv.Atoi(raw)
		if err != nil || userId <= 0 {
			abortUnauthorized(c, "invalid user id")
			return
		}
		actor, err := models.ResolveActor(c.Request.Context(), userId)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		ctx := utils.SetActorInContext(c.Request.Context(), actor.PlantId, actor.UserId, actor.UserName, string(actor.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": message, "kind": utils.ErrorKindAuthorization})
	c.Abort()
}
