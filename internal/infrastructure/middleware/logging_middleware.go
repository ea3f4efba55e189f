package middleware

import (
	"time"

	"voicebox/pkg/logger"
	"voicebox/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware logs one line per request, tagged with a request
// id (X-Request-ID, generated when absent) and the trace id when the request
// is sampled. Install it after TracingMiddleware.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(ctx, c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
