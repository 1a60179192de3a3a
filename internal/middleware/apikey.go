package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
)

type APIKeyMiddleware struct {
	log    *logger.Logger
	apiKey string
}

func NewAPIKeyMiddleware(log *logger.Logger, apiKey string) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		log:    log.With("middleware", "APIKeyMiddleware"),
		apiKey: apiKey,
	}
}

// RequireKey rejects requests whose X-API-Key header does not match the
// configured shared secret.
func (m *APIKeyMiddleware) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(m.apiKey)) != 1 {
			m.log.Warn("rejected request with missing or wrong api key", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid api key"})
			return
		}
		c.Next()
	}
}
