package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/payment/internal/domain"
)

// EventBuilder строит запись outbox по транзакции после применённого перехода.
// Вызывается внутри той же транзакции БД, что и UPDATE статуса.
type EventBuilder func(ctx context.Context, tx *domain.PaymentTransaction) (*outbox.Outbox, error)

// TransactionRepository определяет интерфейс хранилища платёжных транзакций.
type TransactionRepository interface {
	// Create сохраняет новую транзакцию в статусе PENDING.
	Create(ctx context.Context, tx *domain.PaymentTransaction) error

	// GetByAppTransID возвращает транзакцию по app_trans_id.
	GetByAppTransID(ctx context.Context, appTransID string) (*domain.PaymentTransaction, error)

	// GetByZPTransID возвращает транзакцию по идентификатору шлюза.
	GetByZPTransID(ctx context.Context, zpTransID int64) (*domain.PaymentTransaction, error)

	// SaveGatewayOrder сохраняет ссылку на оплату, полученную от createOrder.
	SaveGatewayOrder(ctx context.Context, appTransID, payURL, qrCode, token string) error

	// Transition выполняет compare-and-set статуса.
	// UPDATE ... WHERE app_trans_id = ? AND status IN (from...).
	// При применённом переходе событие из build пишется в outbox в той же транзакции.
	// applied=false означает NO_OP: транзакция уже в другом статусе.
	Transition(ctx context.Context, out domain.Outcome, from []domain.TransactionStatus, build EventBuilder) (applied bool, tx *domain.PaymentTransaction, err error)

	// ListPendingSince возвращает PENDING транзакции, созданные не раньше since.
	ListPendingSince(ctx context.Context, since time.Time, limit int) ([]*domain.PaymentTransaction, error)

	// ListPendingBefore возвращает PENDING транзакции, созданные раньше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error)
}

// transactionRepository - GORM реализация TransactionRepository.
type transactionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTransactionRepository создаёт новый репозиторий транзакций.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db, now: time.Now}
}

// Create сохраняет новую транзакцию.
func (r *transactionRepository) Create(ctx context.Context, tx *domain.PaymentTransaction) error {
	model := transactionModelFromDomain(tx)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateTransaction
		}
		return domain.NewPersistenceError("create transaction", err)
	}

	tx.CreatedAt = model.CreatedAt
	tx.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByAppTransID возвращает транзакцию по app_trans_id.
func (r *transactionRepository) GetByAppTransID(ctx context.Context, appTransID string) (*domain.PaymentTransaction, error) {
	return r.first(r.db.WithContext(ctx), "app_trans_id = ?", appTransID)
}

// GetByZPTransID возвращает транзакцию по zp_trans_id.
func (r *transactionRepository) GetByZPTransID(ctx context.Context, zpTransID int64) (*domain.PaymentTransaction, error) {
	return r.first(r.db.WithContext(ctx), "zp_trans_id = ?", zpTransID)
}

func (r *transactionRepository) first(db *gorm.DB, query string, args ...any) (*domain.PaymentTransaction, error) {
	var model TransactionModel

	if err := db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, domain.NewPersistenceError("get transaction", err)
	}

	return model.toDomain(), nil
}

// SaveGatewayOrder сохраняет ответ createOrder. Статус не меняется.
func (r *transactionRepository) SaveGatewayOrder(ctx context.Context, appTransID, payURL, qrCode, token string) error {
	result := r.db.WithContext(ctx).
		Model(&TransactionModel{}).
		Where("app_trans_id = ?", appTransID).
		Updates(map[string]any{
			"pay_url":        payURL,
			"qr_code":        qrCode,
			"zp_trans_token": token,
			"updated_at":     r.now(),
		})
	if result.Error != nil {
		return domain.NewPersistenceError("save gateway order", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// Transition выполняет compare-and-set статуса и запись события в одной транзакции.
func (r *transactionRepository) Transition(
	ctx context.Context,
	out domain.Outcome,
	from []domain.TransactionStatus,
	build EventBuilder,
) (bool, *domain.PaymentTransaction, error) {
	var (
		applied bool
		current *domain.PaymentTransaction
	)

	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&TransactionModel{}).
			Where("app_trans_id = ? AND status IN ?", out.AppTransID, fromValues).
			Updates(r.outcomeUpdates(out))
		if result.Error != nil {
			return domain.NewPersistenceError("transition", result.Error)
		}

		var err error
		current, err = r.first(tx, "app_trans_id = ?", out.AppTransID)
		if err != nil {
			return err
		}

		if result.RowsAffected == 0 {
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

// outcomeUpdates - набор колонок для целевого статуса.
func (r *transactionRepository) outcomeUpdates(out domain.Outcome) map[string]any {
	updates := map[string]any{
		"status":          string(out.Status),
		"return_code":     out.ReturnCode,
		"sub_return_code": out.SubReturnCode,
		"updated_at":      r.now(),
	}

	switch out.Status {
	case domain.TransactionStatusSuccess:
		paidAt := out.PaidAt
		if paidAt.IsZero() {
			paidAt = r.now()
		}
		updates["paid_at"] = paidAt
		if out.ZPTransID != 0 {
			updates["zp_trans_id"] = out.ZPTransID
		}
		updates["failure_reason"] = nil
	default:
		if out.Reason != "" {
			updates["failure_reason"] = out.Reason
		}
	}

	return updates
}

// ListPendingSince возвращает PENDING транзакции окна сверки, старые первыми.
func (r *transactionRepository) ListPendingSince(ctx context.Context, since time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return r.listPending(ctx, "created_at >= ?", since, limit)
}

// ListPendingBefore возвращает PENDING транзакции за пределами окна сверки.
func (r *transactionRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return r.listPending(ctx, "created_at < ?", before, limit)
}

func (r *transactionRepository) listPending(ctx context.Context, cond string, at time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	var models []TransactionModel

	if err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.TransactionStatusPending)).
		Where(cond, at).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, domain.NewPersistenceError("list pending", err)
	}

	result := make([]*domain.PaymentTransaction, 0, len(models))
	for i := range models {
		result = append(result, models[i].toDomain())
	}
	return result, nil
}
