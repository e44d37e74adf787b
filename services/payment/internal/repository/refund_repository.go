package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/payment/internal/domain"
)

// RefundEventBuilder строит запись outbox по возврату после применённого перехода.
type RefundEventBuilder func(ctx context.Context, r *domain.RefundTransaction) (*outbox.Outbox, error)

// RefundResult - ответ шлюза, применяемый к возврату.
type RefundResult struct {
	Status        domain.RefundStatus
	RefundID      int64
	ReturnCode    int
	SubReturnCode int
	ReturnMessage string
}

// RefundRepository определяет интерфейс хранилища возвратов.
type RefundRepository interface {
	// CreateWithinRemainder сохраняет возврат в PROCESSING, если его сумма не превышает
	// остаток исходной транзакции. Строка транзакции блокируется на время проверки,
	// поэтому параллельные возвраты не превысят сумму платежа.
	CreateWithinRemainder(ctx context.Context, refund *domain.RefundTransaction) error

	// GetByMRefundID возвращает возврат по m_refund_id.
	GetByMRefundID(ctx context.Context, mRefundID string) (*domain.RefundTransaction, error)

	// GetByIdempotencyKey возвращает возврат по ключу идемпотентности.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.RefundTransaction, error)

	// ListByAppTransID возвращает все возвраты транзакции.
	ListByAppTransID(ctx context.Context, appTransID string) ([]*domain.RefundTransaction, error)

	// ListProcessing возвращает возвраты в PROCESSING, старые первыми.
	ListProcessing(ctx context.Context, limit int) ([]*domain.RefundTransaction, error)

	// Apply записывает ответ шлюза. Для терминального статуса выполняется
	// compare-and-set PROCESSING -> статус и событие пишется в outbox.
	// Для PROCESSING сохраняются только refund_id и коды ответа.
	Apply(ctx context.Context, mRefundID string, res RefundResult, build RefundEventBuilder) (applied bool, refund *domain.RefundTransaction, err error)
}

// refundRepository - GORM реализация RefundRepository.
type refundRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRefundRepository создаёт новый репозиторий возвратов.
func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepository{db: db, now: time.Now}
}

// CreateWithinRemainder проверяет остаток и сохраняет возврат в одной транзакции.
func (r *refundRepository) CreateWithinRemainder(ctx context.Context, refund *domain.RefundTransaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment TransactionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("app_trans_id = ?", refund.AppTransID).
			First(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrTransactionNotFound
			}
			return domain.NewPersistenceError("lock transaction", err)
		}
		if payment.Status != string(domain.TransactionStatusSuccess) {
			return domain.ErrRefundNotAllowed
		}

		var existing []RefundModel
		if err := tx.Where("app_trans_id = ?", refund.AppTransID).Find(&existing).Error; err != nil {
			return domain.NewPersistenceError("list refunds", err)
		}
		refunds := make([]*domain.RefundTransaction, len(existing))
		for i := range existing {
			refunds[i] = existing[i].toDomain()
		}
		if refund.Amount > domain.RefundableAmount(payment.Amount, refunds) {
			return domain.ErrRefundAmountInvalid
		}

		model := refundModelFromDomain(refund)
		if err := tx.Create(model).Error; err != nil {
			if isDuplicateKeyError(err) {
				return domain.ErrDuplicateRequest
			}
			return domain.NewPersistenceError("create refund", err)
		}
		refund.CreatedAt = model.CreatedAt
		refund.UpdatedAt = model.UpdatedAt
		return nil
	})
}

// GetByMRefundID возвращает возврат по m_refund_id.
func (r *refundRepository) GetByMRefundID(ctx context.Context, mRefundID string) (*domain.RefundTransaction, error) {
	return r.first(r.db.WithContext(ctx), "m_refund_id = ?", mRefundID)
}

// GetByIdempotencyKey возвращает возврат по ключу идемпотентности.
func (r *refundRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.RefundTransaction, error) {
	return r.first(r.db.WithContext(ctx), "idempotency_key = ?", key)
}

func (r *refundRepository) first(db *gorm.DB, query string, args ...any) (*domain.RefundTransaction, error) {
	var model RefundModel
	if err := db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRefundNotFound
		}
		return nil, domain.NewPersistenceError("get refund", err)
	}
	return model.toDomain(), nil
}

// ListByAppTransID возвращает возвраты транзакции.
func (r *refundRepository) ListByAppTransID(ctx context.Context, appTransID string) ([]*domain.RefundTransaction, error) {
	return r.list(r.db.WithContext(ctx).Where("app_trans_id = ?", appTransID).Order("created_at ASC"))
}

// ListProcessing возвращает возвраты в PROCESSING.
func (r *refundRepository) ListProcessing(ctx context.Context, limit int) ([]*domain.RefundTransaction, error) {
	return r.list(r.db.WithContext(ctx).
		Where("status = ?", string(domain.RefundStatusProcessing)).
		Order("created_at ASC").
		Limit(limit))
}

func (r *refundRepository) list(q *gorm.DB) ([]*domain.RefundTransaction, error) {
	var models []RefundModel
	if err := q.Find(&models).Error; err != nil {
		return nil, domain.NewPersistenceError("list refunds", err)
	}
	result := make([]*domain.RefundTransaction, 0, len(models))
	for i := range models {
		result = append(result, models[i].toDomain())
	}
	return result, nil
}

// Apply записывает ответ шлюза по возврату.
func (r *refundRepository) Apply(ctx context.Context, mRefundID string, res RefundResult, build RefundEventBuilder) (bool, *domain.RefundTransaction, error) {
	var (
		applied bool
		current *domain.RefundTransaction
	)

	now := r.now()
	updates := map[string]any{
		"return_code":     res.ReturnCode,
		"sub_return_code": res.SubReturnCode,
		"return_message":  res.ReturnMessage,
		"updated_at":      now,
	}
	if res.RefundID != 0 {
		updates["refund_id"] = res.RefundID
	}
	if res.Status.IsTerminal() {
		updates["status"] = string(res.Status)
		updates["completed_at"] = now
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RefundModel{}).
			Where("m_refund_id = ? AND status = ?", mRefundID, string(domain.RefundStatusProcessing)).
			Updates(updates)
		if result.Error != nil {
			return domain.NewPersistenceError("refund transition", result.Error)
		}

		var err error
		current, err = r.first(tx, "m_refund_id = ?", mRefundID)
		if err != nil {
			return err
		}

		if result.RowsAffected == 0 || !res.Status.IsTerminal() {
			return nil
		}
		applied = true

		if build == nil {
			return nil
		}
		rec, err := build(ctx, current)
		if err != nil {
			return err
		}
		if err := outbox.Insert(tx, rec); err != nil {
			return domain.NewPersistenceError("outbox insert", err)
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}

	return applied, current, nil
}
