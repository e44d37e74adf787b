package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/order-payment/pkg/logger"
)

// messageWriter - часть kafka.Writer, которой пользуется Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer отправляет сообщения в Kafka с поддержкой headers и трассировки.
type Producer struct {
	writer messageWriter
}

// NewProducer создаёт синхронный Producer.
// Топик указывается в каждом сообщении: один Producer обслуживает все маршруты.
func NewProducer(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // Одинаковый ключ (app_trans_id) попадает в одну партицию
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}

	log := logger.Component("kafka")
	log.Info().Strs("brokers", cfg.Brokers).Msg("Producer создан")

	return &Producer{writer: writer}, nil
}

// Send отправляет сообщение в указанный топик.
// Headers trace_id, correlation_id и timestamp берутся из context автоматически.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte) error {
	return p.SendWithHeaders(ctx, topic, key, value, nil)
}

// SendWithHeaders отправляет сообщение с дополнительными headers.
// Значения из extraHeaders перекрывают стандартные.
func (p *Producer) SendWithHeaders(ctx context.Context, topic string, key, value []byte, extraHeaders map[string]string) error {
	msg := &Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: buildHeaders(ctx, extraHeaders),
		Time:    time.Now(),
	}
	return p.write(ctx, msg)
}

// SendMessage отправляет подготовленный Message, дополняя недостающие headers.
func (p *Producer) SendMessage(ctx context.Context, msg *Message) error {
	msg.Headers = buildHeaders(ctx, msg.Headers)
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	return p.write(ctx, msg)
}

// SendToDLQ отправляет сообщение в топик dead letter с информацией об ошибке.
// Исходные headers сохраняются, чтобы сообщение можно было переиграть вручную.
func (p *Producer) SendToDLQ(ctx context.Context, dlqTopic string, original *Message, processingErr error, attempts int) error {
	headers := make(map[string]string, len(original.Headers)+4)
	for k, v := range original.Headers {
		headers[k] = v
	}

	headers[HeaderDLQError] = processingErr.Error()
	headers[HeaderDLQOriginalTopic] = original.Topic
	headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	headers[HeaderDLQAttempts] = strconv.Itoa(attempts)

	return p.SendWithHeaders(ctx, dlqTopic, original.Key, original.Value, headers)
}

func (p *Producer) write(ctx context.Context, msg *Message) error {
	log := logger.FromContext(ctx).With().
		Str("component", "kafka").
		Str("topic", msg.Topic).
		Bytes("key", msg.Key).
		Logger()

	if err := p.writer.WriteMessages(ctx, msg.toKafkaMessage()); err != nil {
		log.Error().Err(err).Msg("Ошибка отправки сообщения")
		return fmt.Errorf("отправка в топик %s: %w", msg.Topic, err)
	}
	log.Debug().Msg("Сообщение отправлено")
	return nil
}

// buildHeaders собирает headers из context и дополнительных параметров.
func buildHeaders(ctx context.Context, extra map[string]string) map[string]string {
	headers := make(map[string]string, 3+len(extra))

	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[HeaderTraceID] = traceID
	}
	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		headers[HeaderCorrelationID] = correlationID
	}
	headers[HeaderTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	InjectTrace(ctx, headers)

	for k, v := range extra {
		headers[k] = v
	}

	return headers
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("закрытие producer: %w", err)
	}
	return nil
}
