package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/drivesentry/drivesentry/internal/logging"
)

// ErrorResponse is the JSON error body returned by the API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// APIKeyAuth returns a middleware that validates API keys.
// When no keys are configured authentication is disabled.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = "X-API-Key"
	}

	keySet := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if len(keySet) == 0 {
			c.Next()
			return
		}

		key := c.GetHeader(headerName)
		if key == "" {
			logger.Warn("missing API key",
				"path", c.Request.URL.Path,
				"remote", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "missing API key",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		if _, ok := keySet[key]; !ok {
			logger.Warn("invalid API key",
				"path", c.Request.URL.Path,
				"remote", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "invalid API key",
				Code:    http.StatusUnauthorized,
			})
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}
