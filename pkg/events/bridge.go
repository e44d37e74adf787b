package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"example.com/order-payment/pkg/kafka"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/retry"
	"example.com/order-payment/pkg/tracing"
)

// Handler обрабатывает событие одного вида.
// Ошибка приводит к повтору, ошибка retry.Permanent сразу отправляет сообщение в DLQ.
type Handler func(ctx context.Context, env *Envelope) error

// Bridge связывает обработчики событий с очередями Kafka.
// Для каждого зарегистрированного вида создаётся отдельный Consumer.
type Bridge struct {
	cfg      kafka.Config
	producer *kafka.Producer
	policy   retry.Policy

	mu        sync.Mutex
	handlers  map[Kind]Handler
	consumers []*kafka.Consumer
}

// NewBridge создаёт мост. producer используется для записи в DLQ.
func NewBridge(cfg kafka.Config, producer *kafka.Producer, policy retry.Policy) *Bridge {
	return &Bridge{
		cfg:      cfg,
		producer: producer,
		policy:   policy,
		handlers: make(map[Kind]Handler),
	}
}

// Register задаёт обработчик вида события. Повторная регистрация заменяет обработчик.
func (b *Bridge) Register(kind Kind, h Handler) error {
	if _, err := RouteFor(kind); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
	return nil
}

// Run запускает потребителей всех зарегистрированных видов и блокируется
// до отмены context.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	handlers := make(map[Kind]Handler, len(b.handlers))
	for k, h := range b.handlers {
		handlers[k] = h
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("не зарегистрировано ни одного обработчика событий")
	}

	var wg sync.WaitGroup
	for kind, h := range handlers {
		r, _ := RouteFor(kind)

		consumer, err := kafka.NewConsumer(b.cfg, r.RoutingKey, r.Queue, kafka.WithDeadLetter(b.producer, r.DeadLetter))
		if err != nil {
			return fmt.Errorf("ошибка создания consumer для %s: %w", kind, err)
		}

		b.mu.Lock()
		b.consumers = append(b.consumers, consumer)
		b.mu.Unlock()

		wg.Add(1)
		go func(kind Kind, c *kafka.Consumer, handler kafka.MessageHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("event_kind", string(kind)).Msg("Паника в потребителе событий")
				}
			}()

			if err := c.ConsumeWithRetry(ctx, handler, b.policy); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("event_kind", string(kind)).Msg("Потребитель событий остановлен с ошибкой")
			}
		}(kind, consumer, b.Dispatch(kind, h))
	}

	wg.Wait()
	return ctx.Err()
}

// Dispatch превращает Handler в kafka.MessageHandler: разбирает конверт,
// проверяет вид события и пишет метрики.
// Некорректное сообщение помечается как неповторяемое.
func (b *Bridge) Dispatch(kind Kind, h Handler) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		env, err := Decode(msg.Value)
		if err != nil {
			metrics.EventsConsumed.WithLabelValues(string(kind), "dead_letter").Inc()
			return retry.Permanent(err)
		}
		if env.Kind != kind {
			metrics.EventsConsumed.WithLabelValues(string(kind), "dead_letter").Inc()
			return retry.Permanent(fmt.Errorf("в очередь %s пришло событие %s", kind, env.Kind))
		}

		ctx = logger.WithCorrelationID(ctx, env.Key)
		ctx, endSpan := tracing.Start(ctx, "event."+string(kind),
			attribute.String("event.id", env.EventID),
			attribute.String("event.key", env.Key),
		)
		err = h(ctx, env)
		endSpan(err)
		if err != nil {
			result := "retried"
			if retry.IsPermanent(err) {
				result = "dead_letter"
			}
			metrics.EventsConsumed.WithLabelValues(string(kind), result).Inc()
			return err
		}

		metrics.EventsConsumed.WithLabelValues(string(kind), "ok").Inc()
		return nil
	}
}

// Close закрывает всех потребителей.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, c := range b.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.consumers = nil
	return errors.Join(errs...)
}
