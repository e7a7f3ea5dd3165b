package middlewares

import (
	"net/http"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves an operator session token minted by the auth
// service. The token maps to the operator's email in Redis; that email is
// what reconciliation transitions record as the acting identity.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		email, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetActorEmailInContext(ctx, email)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
