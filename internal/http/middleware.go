package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/security"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/util"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the per-request id echoed to callers.
const RequestIDHeader = "X-Request-ID"

// ServiceAuthMiddleware authenticates gateway services with a shared bearer token.
func ServiceAuthMiddleware(serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if serviceToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service token not configured"})
			return
		}
		token := access.ExtractToken(c.Request, "Authorization", "Bearer", true)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing service token"})
			return
		}
		if !security.CheckServiceToken(serviceToken, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid service token"})
			return
		}
		c.Next()
	}
}

// AdminAuthMiddleware checks the X-Admin-Key header against a bcrypt hash.
func AdminAuthMiddleware(adminKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKeyHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin key not configured"})
			return
		}
		key := access.ExtractToken(c.Request, "X-Admin-Key", "", false)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin key"})
			return
		}
		if !security.CheckAdminKey(adminKeyHash, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

// RequestLogger assigns a request id and logs each request through logrus.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestID", requestID)
		c.Header(RequestIDHeader, requestID)

		started := time.Now()
		c.Next()

		fields := log.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"elapsed":    time.Since(started).String(),
		}
		if raw := c.Request.URL.RawQuery; raw != "" {
			fields["query"] = util.MaskSensitiveQuery(raw)
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		entry := log.WithFields(fields)
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Warn("request failed")
		default:
			entry.Debug("request served")
		}
	}
}
