package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/retry"
)

// MessageHandler обрабатывает одно сообщение. ctx уже содержит trace_id,
// correlation_id и родительский span из headers.
type MessageHandler func(ctx context.Context, msg *Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.ReaderStats
}

// ProcessingError - обработка не удалась после Attempts попыток.
type ProcessingError struct {
	Err      error
	Attempts int
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("обработка не удалась после %d попыток: %v", e.Attempts, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Пока сообщение не записано в DLQ, offset не коммитится и партиция стоит.
var dlqRetryInterval = time.Second

// Consumer читает один топик в составе consumer group. Каждая очередь
// (подписчик на routing key) - отдельная группа.
type Consumer struct {
	reader  messageReader
	topic   string
	groupID string
	log     zerolog.Logger

	dlq      *Producer
	dlqTopic string
}

type ConsumerOption func(*Consumer)

// WithDeadLetter включает перенос необработанных сообщений в dlqTopic.
// Без него сообщение после ошибки просто коммитится.
func WithDeadLetter(p *Producer, dlqTopic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = p
		c.dlqTopic = dlqTopic
	}
}

// NewConsumer подключается к группе groupID. Offset коммитится вручную после обработки.
func NewConsumer(cfg Config, topic, groupID string, opts ...ConsumerOption) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	case topic == "":
		return nil, fmt.Errorf("не указан топик")
	case groupID == "":
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        100 * time.Millisecond,
		CommitInterval: 0, // синхронный CommitMessages
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(reader, topic, groupID, opts...), nil
}

func newConsumer(r messageReader, topic, groupID string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:  r,
		topic:   topic,
		groupID: groupID,
		log:     logger.Component("kafka").With().Str("topic", topic).Str("group_id", groupID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume обрабатывает сообщения до отмены ctx. Offset коммитится после
// успешной обработки или после записи сообщения в DLQ.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.log.Info().Msg("Чтение топика запущено")

	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Info().Msg("Чтение топика остановлено")
				return err
			}
			c.log.Error().Err(err).Msg("Ошибка чтения сообщения")
			continue
		}

		msg := fromKafkaMessage(raw)
		if err := c.handle(ctx, msg, handler); err != nil {
			// Без записи в DLQ коммитить нельзя: сообщение должно прийти снова.
			return err
		}

		if err := c.reader.CommitMessages(ctx, raw); err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("Ошибка коммита offset")
		}
		metrics.ConsumerLag.WithLabelValues(c.groupID).Set(float64(c.reader.Stats().Lag))
	}
}

// handle возвращает ошибку только если сообщение не удалось ни обработать, ни отложить в DLQ.
func (c *Consumer) handle(ctx context.Context, msg *Message, handler MessageHandler) error {
	log := c.log.With().
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()
	log.Debug().Str("trace_id", msg.Headers[HeaderTraceID]).Msg("Получено сообщение")

	procErr := handler(contextFromHeaders(ctx, msg.Headers), msg)
	if procErr == nil {
		return nil
	}

	log.Error().Err(procErr).Msg("Сообщение не обработано")
	if c.dlq == nil || c.dlqTopic == "" {
		return nil
	}
	return c.deadLetter(ctx, msg, procErr)
}

// ConsumeWithRetry повторяет обработчик по policy; после исчерпания попыток
// сообщение уходит в DLQ. retry.Permanent отправляет его туда сразу.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, policy retry.Policy) error {
	return c.Consume(ctx, func(ctx context.Context, msg *Message) error {
		attempts := 0
		err := retry.Do(ctx, policy, func(ctx context.Context) error {
			attempts++
			return handler(ctx, msg)
		}, func(err error, attempt int, delay time.Duration) {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Повтор обработки сообщения")
		})
		if err != nil {
			return &ProcessingError{Err: err, Attempts: attempts}
		}
		return nil
	})
}

// deadLetter повторяет запись в DLQ до успеха или отмены ctx.
func (c *Consumer) deadLetter(ctx context.Context, msg *Message, procErr error) error {
	attempts := 1
	var pe *ProcessingError
	if errors.As(procErr, &pe) {
		attempts = pe.Attempts
	}

	for {
		err := c.dlq.SendToDLQ(ctx, c.dlqTopic, msg, procErr, attempts)
		if err == nil {
			c.log.Warn().
				Str("dlq_topic", c.dlqTopic).
				Str("key", string(msg.Key)).
				Int("attempts", attempts).
				Msg("Сообщение перенесено в DLQ")
			return nil
		}
		c.log.Error().Err(err).Str("dlq_topic", c.dlqTopic).Msg("Ошибка записи в DLQ, повтор")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dlqRetryInterval):
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("закрытие consumer %s: %w", c.topic, err)
	}
	return nil
}

// Lag - отставание группы от конца топика.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}
