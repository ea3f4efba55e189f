package middleware

import (
	"net/http"
	"time"

	"voicebox/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	nodeUsernameKey = attribute.Key("node.username")
	callerKeyAttr   = attribute.Key("api.caller")
)

// TracingMiddleware opens a server span for each control API request of
// the node run by nodeUsername. Spans carry the peer named in the route,
// if any, and the authenticated caller once auth has run.
func TracingMiddleware(nodeUsername string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			// unmatched requests still get a readable span
			route = c.Request.URL.Path
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			nodeUsernameKey.String(nodeUsername),
			attribute.String("http.client_ip", c.ClientIP()),
		)
		if address := c.Param("address"); address != "" {
			span.SetAttributes(tracing.AddressKey.String(address))
		}
		if username := c.Param("username"); username != "" {
			span.SetAttributes(tracing.UsernameKey.String(username))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		if caller := c.GetString(ContextUsernameKey); caller != "" {
			span.SetAttributes(callerKeyAttr.String(caller))
		}
		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			tracing.DurationKey.Int64(time.Since(start).Milliseconds()),
		)
		if last := c.Errors.Last(); last != nil {
			span.RecordError(last.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
