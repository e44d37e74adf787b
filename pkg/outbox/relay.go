package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"example.com/order-payment/pkg/kafka"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/retry"
)

// Publisher отправляет подготовленное сообщение в Kafka. Реализуется *kafka.Producer.
type Publisher interface {
	SendMessage(ctx context.Context, msg *kafka.Message) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries - число неудачных публикаций, после которого запись становится dead letter.
	MaxRetries int
	// Backoff.Delay(n) - пауза после n-й неудачи.
	Backoff retry.Policy
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxRetries:   5,
		Backoff: retry.Policy{
			InitialInterval: time.Second,
			Multiplier:      2,
			MaxInterval:     time.Minute,
		},
	}
}

// Relay переносит записи outbox в Kafka с гарантией at-least-once:
// запись считается опубликованной только после подтверждения брокера.
// Повторная доставка возможна; потребители идемпотентны по бизнес-ключу
// (compare-and-set статуса, ключ идемпотентности возврата), а не по event_id.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewRelay создаёт relay; service попадает в логи.
func NewRelay(store Store, publisher Publisher, cfg RelayConfig, service string) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       logger.Component("outbox").With().Str("relay", service).Logger(),
		now:       time.Now,
	}
}

// Run опрашивает outbox до отмены ctx. Полная пачка означает накопившийся хвост,
// тогда следующая пачка берётся сразу, без ожидания тика.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("Публикация outbox запущена")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Публикация outbox остановлена")
			return
		case <-ticker.C:
		}
		for ctx.Err() == nil {
			if fetched, _ := r.Flush(ctx); fetched < r.cfg.BatchSize {
				break
			}
		}
	}
}

// Flush публикует одну пачку записей с наступившим сроком.
// Возвращает размер пачки и число опубликованных записей.
func (r *Relay) Flush(ctx context.Context) (fetched, published int) {
	records, err := r.store.Due(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("Ошибка чтения outbox")
		return 0, 0
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if r.Publish(ctx, rec) == nil {
			published++
		}
	}
	if len(records) > 0 {
		r.log.Debug().Int("fetched", len(records)).Int("published", published).Msg("Пачка outbox обработана")
	}
	return len(records), published
}

// Publish отправляет одну запись и фиксирует исход в Store.
func (r *Relay) Publish(ctx context.Context, rec *Outbox) error {
	log := r.log.With().
		Str("outbox_id", rec.ID).
		Str("event_type", rec.EventType).
		Str("aggregate_id", rec.AggregateID).
		Logger()

	sendErr := r.publisher.SendMessage(ctx, &kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.MessageKey),
		Value:   rec.Payload,
		Headers: rec.Headers,
	})
	if sendErr == nil {
		metrics.EventsPublished.WithLabelValues(rec.EventType, "published").Inc()
		if err := r.store.MarkPublished(ctx, rec.ID, r.now()); err != nil {
			// Сообщение уже у брокера, повторная публикация безопасна.
			log.Error().Err(err).Msg("Не удалось отметить запись опубликованной")
			return err
		}
		return nil
	}

	failures := rec.RetryCount + 1
	if failures >= r.cfg.MaxRetries {
		metrics.EventsPublished.WithLabelValues(rec.EventType, "dead").Inc()
		log.Error().Err(sendErr).Int("failures", failures).Msg("Событие выведено в dead letter")
		if err := r.store.Bury(ctx, rec.ID, sendErr, r.now()); err != nil {
			return errors.Join(sendErr, err)
		}
		return sendErr
	}

	metrics.EventsPublished.WithLabelValues(rec.EventType, "failed").Inc()
	next := r.now().Add(r.cfg.Backoff.Delay(failures))
	log.Warn().Err(sendErr).Int("failures", failures).Time("next_attempt_at", next).Msg("Публикация события отложена")
	if err := r.store.Reschedule(ctx, rec.ID, sendErr, next); err != nil {
		return errors.Join(sendErr, err)
	}
	return sendErr
}

// Purge удаляет опубликованные записи старше ttl порциями, пока они не кончатся.
func (r *Relay) Purge(ctx context.Context, ttl time.Duration) (int64, error) {
	before := r.now().Add(-ttl)
	var total int64
	for {
		n, err := r.store.Purge(ctx, before)
		total += n
		if err != nil {
			return total, err
		}
		if n < purgeBatch || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
