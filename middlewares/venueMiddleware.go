package middlewares

import (
	"net/http"

	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/gin-gonic/gin"
)

// VenueScopeMiddleware pins the :venueId path segment into the request
// context. The gorm venue guard reads it from there and scopes every model
// query to that venue, so a handler cannot accidentally leak another
// venue's reports.
func VenueScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		venueId := c.Param("venueId")
		if venueId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "venueId is required"})
			c.Abort()
			return
		}
		ctx := utils.SetVenueIdInContext(c.Request.Context(), venueId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
