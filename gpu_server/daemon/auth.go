package daemon

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
)

// internalAuth is the Auth Gate. It validates the shared-secret X-Internal-Auth
// header on every protected route and aborts with 401 when the header is absent
// or does not match the configured secret.
func internalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader(domain.AuthHeader)
		if supplied == "" || supplied != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": domain.ErrUnauthorized.Error(),
			})
			return
		}

		c.Next()
	}
}
