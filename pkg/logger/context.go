package logger

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	idsKey ctxKey = iota
	loggerKey
)

// ids - идентификаторы, которые сопровождают запрос через HTTP, Kafka и фоновые задачи.
// trace_id сквозной для запроса или тика планировщика.
// correlation_id указывает на бизнес-сущность: app_trans_id, m_refund_id или id заказа.
type ids struct {
	trace       string
	correlation string
}

func idsFrom(ctx context.Context) ids {
	v, _ := ctx.Value(idsKey).(ids)
	return v
}

// WithTraceID добавляет trace_id в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	v := idsFrom(ctx)
	v.trace = traceID
	return context.WithValue(ctx, idsKey, v)
}

// WithCorrelationID привязывает контекст к бизнес-сущности.
//
//	ctx = logger.WithCorrelationID(ctx, tx.AppTransID)
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	v := idsFrom(ctx)
	v.correlation = correlationID
	return context.WithValue(ctx, idsKey, v)
}

// NewContextWithIDs восстанавливает идентификаторы из заголовков HTTP или Kafka.
// Пустые значения не затирают уже установленные.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	v := idsFrom(ctx)
	if traceID != "" {
		v.trace = traceID
	}
	if correlationID != "" {
		v.correlation = correlationID
	}
	return context.WithValue(ctx, idsKey, v)
}

func TraceIDFromContext(ctx context.Context) string {
	return idsFrom(ctx).trace
}

func CorrelationIDFromContext(ctx context.Context) string {
	return idsFrom(ctx).correlation
}

// EnsureTraceID гарантирует наличие trace_id. Фоновые задачи вызывают его в начале тика.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		return ctx, traceID
	}
	traceID := uuid.NewString()
	return WithTraceID(ctx, traceID), traceID
}

// WithLogger кладёт в контекст логгер, который вернёт FromContext.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext возвращает логгер контекста (или глобальный) с trace_id и correlation_id.
func FromContext(ctx context.Context) zerolog.Logger {
	l, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		l = log
	}

	v := idsFrom(ctx)
	if v.trace == "" && v.correlation == "" {
		return l
	}
	lctx := l.With()
	if v.trace != "" {
		lctx = lctx.Str("trace_id", v.trace)
	}
	if v.correlation != "" {
		lctx = lctx.Str("correlation_id", v.correlation)
	}
	return lctx.Logger()
}

// Ctx - FromContext в форме zerolog.Ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}
