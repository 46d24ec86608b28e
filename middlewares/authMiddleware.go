package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/stockroom_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates JWT bearer tokens issued to internal services
// (document generation callbacks, sync jobs) and records the requesting
// service id in context. Interactive users go through SessionMiddleware.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			c.Next()
			return
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, ok := validate.Claims.(*utils.JwtCustomClaim)
		if ok {
			ctx := utils.SetServiceIdInContext(c.Request.Context(), claim.Role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
