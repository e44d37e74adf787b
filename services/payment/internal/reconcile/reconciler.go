// Package reconcile содержит фоновые задачи сверки со шлюзом:
// доведение PENDING платежей до терминального статуса и проверку возвратов.
package reconcile

import (
	"context"
	"time"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/scheduler"
	"example.com/order-payment/services/payment/internal/domain"
)

// PendingLister - выборка PENDING транзакций.
type PendingLister interface {
	ListPendingSince(ctx context.Context, since time.Time, limit int) ([]*domain.PaymentTransaction, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error)
}

// PaymentReconciler сверяет одну транзакцию. Реализуется service.PaymentService.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, tx *domain.PaymentTransaction, source domain.OutcomeSource) (domain.ApplyResult, error)
}

// Config - параметры сверки.
type Config struct {
	Expiry time.Duration // Срок платёжной сессии
	Delay  time.Duration // Пауза между прогонами
	Batch  int           // Максимум транзакций за одну выборку
}

// Stats - итог одного прогона.
type Stats struct {
	Checked int
	Applied int
	Failed  int
	// Skipped - транзакции, до которых прогон не дошёл из-за отмены или таймаута.
	Skipped int
}

func (s *Stats) add(o Stats) {
	s.Checked += o.Checked
	s.Applied += o.Applied
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

// Reconciler - задача сверки PENDING платежей.
type Reconciler struct {
	lister   PendingLister
	payments PaymentReconciler
	cfg      Config
	now      func() time.Time
}

// NewReconciler создаёт задачу сверки.
func NewReconciler(lister PendingLister, payments PaymentReconciler, cfg Config) *Reconciler {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reconciler{lister: lister, payments: payments, cfg: cfg, now: time.Now}
}

// Lookback - глубина основной выборки: срок сессии плюс один интервал планировщика.
// Транзакция, пересёкшая границу срока между прогонами, ещё попадает в выборку.
func (r *Reconciler) Lookback() time.Duration {
	return r.cfg.Expiry + r.cfg.Delay
}

// Task возвращает прогон для scheduler.FixedDelay.
func (r *Reconciler) Task() scheduler.Task {
	return func(ctx context.Context) error {
		_, err := r.Tick(ctx)
		return err
	}
}

// Tick выполняет один прогон. Ошибка по отдельной транзакции логируется,
// обработка пачки продолжается. Ошибка возвращается только при сбое выборки.
func (r *Reconciler) Tick(ctx context.Context) (Stats, error) {
	log := logger.Ctx(ctx)
	boundary := r.now().Add(-r.Lookback())

	recent, err := r.lister.ListPendingSince(ctx, boundary, r.cfg.Batch)
	if err != nil {
		return Stats{}, err
	}
	stats := r.reconcileAll(ctx, recent)
	if ctx.Err() != nil {
		r.logTruncated(ctx, stats)
		return stats, nil
	}

	// Старше lookback: остались после простоя, закрываются после финального запроса
	stale, err := r.lister.ListPendingBefore(ctx, boundary, r.cfg.Batch)
	if err != nil {
		return stats, err
	}
	if len(stale) > 0 {
		log.Warn().Int("count", len(stale)).Msg("Найдены зависшие PENDING транзакции")
	}
	stats.add(r.reconcileAll(ctx, stale))
	if ctx.Err() != nil {
		r.logTruncated(ctx, stats)
		return stats, nil
	}

	if stats.Checked > 0 {
		log.Info().
			Int("checked", stats.Checked).
			Int("applied", stats.Applied).
			Int("failed", stats.Failed).
			Msg("Сверка платежей завершена")
	}
	return stats, nil
}

// logTruncated сообщает о прогоне, прерванном таймаутом тика или остановкой сервиса.
// Необработанные транзакции остаются PENDING и попадут в следующий прогон.
func (r *Reconciler) logTruncated(ctx context.Context, stats Stats) {
	if stats.Skipped == 0 {
		return
	}
	log := logger.Ctx(ctx)
	log.Warn().
		Err(ctx.Err()).
		Int("checked", stats.Checked).
		Int("applied", stats.Applied).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("Прогон сверки прерван, оставшиеся транзакции перенесены в следующий прогон")
}

func (r *Reconciler) reconcileAll(ctx context.Context, txs []*domain.PaymentTransaction) Stats {
	var stats Stats
	for i, tx := range txs {
		if ctx.Err() != nil {
			stats.Skipped = len(txs) - i
			break
		}
		stats.Checked++

		res, err := r.payments.Reconcile(ctx, tx, domain.SourceReconcile)
		if err != nil {
			stats.Failed++
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("app_trans_id", tx.AppTransID).
				Msg("Ошибка сверки транзакции")
			continue
		}
		if res.Applied {
			stats.Applied++
		}
	}
	return stats
}
