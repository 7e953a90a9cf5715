package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Health and metrics endpoints never get a server span.
var untraced = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GinMiddleware traces management API requests, naming spans after the
// matched route template.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName,
		otelgin.WithFilter(Traced),
		otelgin.WithSpanNameFormatter(SpanName),
	)
}

// Traced reports whether a request gets a server span.
func Traced(r *http.Request) bool {
	return !untraced[r.URL.Path]
}

// SpanName is "METHOD /route/:param", or the method alone when no route
// matched.
func SpanName(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return c.Request.Method + " " + route
	}
	return c.Request.Method
}
