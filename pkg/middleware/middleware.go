package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian/internal/logger"
	"meridian/pkg/logging"
	"meridian/pkg/metrics"
)

const HeaderRequestID = "X-Request-ID"

// LoggerMiddleware logs each request once it completes and counts it by
// route template, so path parameters do not explode the label set.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		if raw != "" {
			path = path + "?" + raw
		}
		fields := []interface{}{
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}

		ctx := c.Request.Context()
		if status >= 500 {
			log.ErrorwCtx(ctx, "HTTP Request", fields...)
		} else {
			log.InfowCtx(ctx, "HTTP Request", fields...)
		}
	}
}

func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(500, gin.H{
			"error":      "internal server error",
			"error_code": "INTERNAL_ERROR",
		})
	})
}

// RequestIDMiddleware echoes X-Request-ID, generating one when absent, and
// puts it in the request context as the message id for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(logging.WithMessageID(c.Request.Context(), requestID))
		c.Next()
	}
}
