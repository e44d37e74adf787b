package reconcile

import (
	"context"
	"time"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/scheduler"
	"example.com/order-payment/services/payment/internal/domain"
)

// ProcessingLister - выборка возвратов в PROCESSING.
type ProcessingLister interface {
	ListProcessing(ctx context.Context, limit int) ([]*domain.RefundTransaction, error)
}

// RefundQuerier проверяет один возврат. Реализуется service.RefundService.
type RefundQuerier interface {
	CheckRefund(ctx context.Context, refund *domain.RefundTransaction) (bool, *domain.RefundTransaction, error)
}

// RefundCheckerConfig - параметры проверки возвратов.
type RefundCheckerConfig struct {
	Throttle time.Duration // Пауза между запросами к шлюзу
	MaxAge   time.Duration // Возраст, после которого PROCESSING требует внимания
	Batch    int
}

// RefundChecker - задача проверки возвратов в PROCESSING.
type RefundChecker struct {
	lister  ProcessingLister
	refunds RefundQuerier
	cfg     RefundCheckerConfig
	now     func() time.Time
}

// NewRefundChecker создаёт задачу проверки возвратов.
func NewRefundChecker(lister ProcessingLister, refunds RefundQuerier, cfg RefundCheckerConfig) *RefundChecker {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &RefundChecker{lister: lister, refunds: refunds, cfg: cfg, now: time.Now}
}

// Task возвращает прогон для scheduler.FixedDelay.
func (c *RefundChecker) Task() scheduler.Task {
	return func(ctx context.Context) error {
		_, err := c.Tick(ctx)
		return err
	}
}

// Tick опрашивает шлюз по каждому возврату с паузой Throttle между запросами.
func (c *RefundChecker) Tick(ctx context.Context) (Stats, error) {
	log := logger.Ctx(ctx)

	refunds, err := c.lister.ListProcessing(ctx, c.cfg.Batch)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for i, refund := range refunds {
		if i > 0 && !pause(ctx, c.cfg.Throttle) {
			break
		}
		stats.Checked++

		if c.cfg.MaxAge > 0 && c.now().Sub(refund.CreatedAt) > c.cfg.MaxAge {
			log.Warn().
				Str("m_refund_id", refund.MRefundID).
				Time("created_at", refund.CreatedAt).
				Msg("Возврат слишком долго в PROCESSING, требуется ручная проверка")
		}

		applied, current, err := c.refunds.CheckRefund(ctx, refund)
		if err != nil {
			stats.Failed++
			log.Warn().Err(err).Str("m_refund_id", refund.MRefundID).Msg("Ошибка проверки возврата")
			continue
		}
		if applied {
			stats.Applied++
			log.Info().
				Str("m_refund_id", refund.MRefundID).
				Str("status", string(current.Status)).
				Msg("Возврат завершён")
		}
	}

	return stats, nil
}

// pause ждёт d или отмены ctx. Возвращает false при отмене.
func pause(ctx context.Context, d time.Duration) bool {
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
