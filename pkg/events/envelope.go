package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/order-payment/pkg/kafka"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/outbox"
)

// Envelope - конверт события в теле сообщения Kafka.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Kind       Kind            `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope сериализует payload в конверт.
// key - ключ партиционирования (app_trans_id, m_refund_id, id заказа).
func NewEnvelope(kind Kind, key string, payload any) (*Envelope, error) {
	if _, err := RouteFor(kind); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", kind, err)
	}
	return &Envelope{
		EventID:    uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Key:        key,
		Payload:    data,
	}, nil
}

// Decode разбирает тело сообщения.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ошибка разбора конверта события: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("в конверте события не указан kind")
	}
	return &env, nil
}

// DecodePayload разбирает payload в v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ошибка разбора payload события %s: %w", e.Kind, err)
	}
	return nil
}

// ToOutbox превращает конверт в запись outbox для публикации по маршруту события.
// trace_id, correlation_id и traceparent берутся из context и попадают в headers сообщения.
func ToOutbox(ctx context.Context, aggregateType, aggregateID string, env *Envelope) (*outbox.Outbox, error) {
	r, err := RouteFor(env.Kind)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации конверта: %w", err)
	}

	headers := map[string]string{kafka.HeaderEventKind: string(env.Kind)}
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[kafka.HeaderTraceID] = traceID
	}
	headers[kafka.HeaderCorrelationID] = aggregateID
	kafka.InjectTrace(ctx, headers)

	rec := outbox.NewRecord(aggregateType, aggregateID, string(env.Kind), r.RoutingKey, env.Key, body, headers)
	rec.ID = env.EventID
	return rec, nil
}
