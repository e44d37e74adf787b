// Package scheduler запускает периодические задачи с фиксированной задержкой:
// следующий прогон начинается через Delay после окончания предыдущего,
// поэтому прогоны одной задачи никогда не перекрываются.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/tracing"
)

// Task - один прогон задачи.
type Task func(ctx context.Context) error

// Locker ограничивает прогон задачи одним экземпляром сервиса в кластере.
type Locker interface {
	// TryLock возвращает unlock и true, если блокировка получена.
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

// FixedDelay - задача с фиксированной задержкой между прогонами.
type FixedDelay struct {
	name         string
	delay        time.Duration
	initialDelay time.Duration
	timeout      time.Duration
	task         Task
	locker       Locker
}

// Option настраивает FixedDelay.
type Option func(*FixedDelay)

// WithInitialDelay задаёт паузу перед первым прогоном.
func WithInitialDelay(d time.Duration) Option {
	return func(s *FixedDelay) { s.initialDelay = d }
}

// WithLocker включает распределённую блокировку прогона.
func WithLocker(l Locker) Option {
	return func(s *FixedDelay) { s.locker = l }
}

// WithTimeout ограничивает длительность одного прогона.
func WithTimeout(d time.Duration) Option {
	return func(s *FixedDelay) { s.timeout = d }
}

// NewFixedDelay создаёт задачу. name используется в логах, метриках и ключе блокировки.
func NewFixedDelay(name string, delay time.Duration, task Task, opts ...Option) *FixedDelay {
	s := &FixedDelay{
		name:  name,
		delay: delay,
		task:  task,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name возвращает имя задачи.
func (s *FixedDelay) Name() string { return s.name }

// Run выполняет задачу до отмены context. Ошибки прогона логируются,
// следующий прогон состоится по расписанию.
func (s *FixedDelay) Run(ctx context.Context) {
	log := logger.Component("scheduler").With().Str("task", s.name).Logger()
	log.Info().
		Dur("delay", s.delay).
		Dur("initial_delay", s.initialDelay).
		Msg("Запуск периодической задачи")

	if !sleep(ctx, s.initialDelay) {
		return
	}

	for {
		if err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Прогон периодической задачи завершился ошибкой")
		}

		if !sleep(ctx, s.delay) {
			log.Info().Msg("Остановка периодической задачи")
			return
		}
	}
}

// RunOnce выполняет один прогон с учётом блокировки.
// Если блокировку держит другой экземпляр, прогон пропускается без ошибки.
func (s *FixedDelay) RunOnce(ctx context.Context) (err error) {
	ctx, _ = logger.EnsureTraceID(ctx)
	log := logger.FromContext(ctx).With().Str("task", s.name).Logger()

	if s.locker != nil {
		unlock, ok, lockErr := s.locker.TryLock(ctx, s.name)
		if lockErr != nil {
			return fmt.Errorf("ошибка получения блокировки %s: %w", s.name, lockErr)
		}
		if !ok {
			log.Debug().Msg("Блокировка занята другим экземпляром, прогон пропущен")
			return nil
		}
		defer unlock()
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ctx, endSpan := tracing.Start(ctx, "scheduler."+s.name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в задаче %s: %v", s.name, r)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Dur("timeout", s.timeout).Msg("Прогон задачи прерван по таймауту, работа продолжится в следующем прогоне")
		}
		endSpan(err)
		metrics.RecordSchedulerRun(s.name, err, time.Since(start))
		log.Debug().Dur("duration", time.Since(start)).Msg("Прогон задачи завершён")
	}()

	return s.task(ctx)
}

// sleep ждёт d или отмены context. Возвращает false при отмене.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
