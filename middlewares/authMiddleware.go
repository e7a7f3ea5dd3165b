package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates a Bearer token issued by the auth service and
// records the actor's identity for downstream audit fields. Token issuance
// lives elsewhere; this side only verifies.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || customClaim == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetActorIdInContext(c.Request.Context(), customClaim.ID)
		// A malformed email claim would otherwise end up in audit columns.
		if utils.IsValidEmail(customClaim.Email) {
			ctx = utils.SetActorEmailInContext(ctx, customClaim.Email)
		}
		if customClaim.Role == "admin" {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
