package middleware

import (
	"github.com/gin-gonic/gin"
)

const apiKeyContextKey = "api_key"

// RequireAPIKey rejects requests whose api_key query parameter was never issued
func RequireAPIKey(g KeyGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.Query("api_key")
		if err := g.RequireValidKey(c.Request.Context(), apiKey); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(apiKeyContextKey, apiKey)
		c.Next()
	}
}

// RequireNoActiveSession rejects callers that already have an active session.
// It must run after RequireAPIKey.
func RequireNoActiveSession(g KeyGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := g.RequireNotActive(c.Request.Context(), GetAPIKey(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RequireAnalyst rejects callers whose identity is not an analyst.
// It must run after RequireAPIKey.
func RequireAnalyst(g KeyGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := g.RequireAnalyst(c.Request.Context(), GetAPIKey(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the key validated by RequireAPIKey
func GetAPIKey(c *gin.Context) string {
	return c.GetString(apiKeyContextKey)
}
