package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// APIKeyAuth returns a middleware that validates API key authentication.
// It checks for the API key in the X-API-Key header first, then falls back
// to the api_key query parameter.
//
// If apiKey is empty, the middleware allows all requests through (for development).
// Uses constant-time comparison to prevent timing attacks.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "unauthorized",
				Code:  "UNAUTHORIZED",
			})
			return
		}

		c.Next()
	}
}

// RequestLogger logs each request once it completes.
func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", args...)
			return
		}
		logger.Debug("Request", args...)
	}
}

// RequestMetrics records request counts and latency by route.
func RequestMetrics(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
