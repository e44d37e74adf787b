// Package kafka - обёртки над segmentio/kafka-go: Producer, Consumer с повторами и DLQ,
// создание топиков. Какие события идут в какие топики, решает pkg/events.
//
// Контекст запроса переносится через headers: trace_id и correlation_id для логов,
// traceparent (W3C) для OpenTelemetry.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"example.com/order-payment/pkg/logger"
)

const (
	HeaderTraceID       = "trace_id"
	HeaderCorrelationID = "correlation_id" // app_trans_id, m_refund_id или id заказа
	HeaderTimestamp     = "timestamp"
	HeaderEventKind     = "event_kind"
)

// Добавляются при переносе сообщения в DLQ.
const (
	HeaderDLQError         = "dlq_error"
	HeaderDLQOriginalTopic = "dlq_original_topic"
	HeaderDLQTimestamp     = "dlq_timestamp"
	HeaderDLQAttempts      = "dlq_attempts"
)

type Config struct {
	Brokers []string
}

// Message - сообщение вместе с позицией в партиции и headers в виде map.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

func fromKafkaMessage(m kafka.Message) *Message {
	msg := &Message{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   make(map[string]string, len(m.Headers)),
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

func (m *Message) toKafkaMessage() kafka.Message {
	out := kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Time: m.Time}
	for k, v := range m.Headers {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// InjectTrace записывает traceparent активного span в headers.
// Outbox сохраняет headers при записи события, поэтому трасса продолжается
// даже при отложенной публикации.
func InjectTrace(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// contextFromHeaders восстанавливает идентификаторы логов и родительский span.
func contextFromHeaders(ctx context.Context, headers map[string]string) context.Context {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	return logger.NewContextWithIDs(ctx, headers[HeaderTraceID], headers[HeaderCorrelationID])
}
