// Package middleware содержит общие gin middleware обоих сервисов.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"example.com/order-payment/pkg/logger"
)

const (
	HeaderTraceID       = "X-Trace-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID" // принимается вместо X-Trace-ID
)

// requestIDs выбирает trace_id запроса: заголовок клиента, затем span otelgin
// (чтобы логи совпадали с трассой), затем новый uuid.
// correlation_id по умолчанию равен trace_id.
func requestIDs(c *gin.Context) (traceID, correlationID string) {
	traceID = c.GetHeader(HeaderTraceID)
	if traceID == "" {
		traceID = c.GetHeader(HeaderRequestID)
	}
	if traceID == "" {
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	correlationID = c.GetHeader(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = traceID
	}
	return traceID, correlationID
}

// Tracing кладёт trace_id и correlation_id в context запроса, возвращает их
// в заголовках ответа и пишет access-лог. Пути из skip (health, metrics) не логируются.
func Tracing(skip ...string) gin.HandlerFunc {
	quiet := make(map[string]bool, len(skip))
	for _, p := range skip {
		quiet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		traceID, correlationID := requestIDs(c)
		ctx := logger.NewContextWithIDs(c.Request.Context(), traceID, correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderTraceID, traceID)
		c.Header(HeaderCorrelationID, correlationID)
		c.Set("trace_id", traceID)
		c.Set("correlation_id", correlationID)

		c.Next()

		if quiet[c.FullPath()] {
			return
		}

		status := c.Writer.Status()
		log := logger.FromContext(ctx)
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Запрос завершён")
	}
}
