package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/tracing"
)

const (
	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key holding the request id
	RequestIDKey = "request_id"
)

// RequestID assigns every request an id, reusing one supplied by the client
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the request id assigned by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// Logger middleware logs request details and records request metrics
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// Route templates keep metric cardinality bounded
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), latency.Seconds())

		logger.WithRequestID(GetRequestID(c)).
			LogHTTPRequest(c.Request.Method, path, c.ClientIP(), status, latency)
	}
}

// Tracing opens a span per request and hands it to handlers via the request context
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		operation := c.FullPath()
		if operation == "" {
			operation = "unmatched"
		}

		span, ctx := tracing.StartSpan(c.Request.Context(), c.Request.Method+" "+operation)
		defer tracing.FinishSpan(span)

		ext.HTTPMethod.Set(span, c.Request.Method)
		ext.HTTPUrl.Set(span, c.Request.URL.Path)
		if id := GetRequestID(c); id != "" {
			tracing.SetTag(span, "request.id", id)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		ext.HTTPStatusCode.Set(span, uint16(status))
		if status >= 500 {
			ext.Error.Set(span, true)
		}
	}
}
