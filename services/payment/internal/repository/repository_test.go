package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/payment/internal/domain"
)

// =============================================================================
// Вспомогательные функции
// =============================================================================

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock
}

var txColumns = []string{"id", "app_trans_id", "app_user", "amount", "order_ids", "status", "zp_trans_id", "created_at"}

func txRow(status domain.TransactionStatus, zpTransID any) *sqlmock.Rows {
	return sqlmock.NewRows(txColumns).
		AddRow("tx-1", "240101_1", "user-1", int64(50000), []byte(`["o1","o2"]`), string(status), zpTransID, time.Now())
}

const (
	updateTxSQL  = "UPDATE `payment_transactions` SET .* WHERE app_trans_id = \\? AND status IN \\(\\?\\)"
	selectTxSQL  = "SELECT \\* FROM `payment_transactions` WHERE app_trans_id = \\?"
	insertOutbox = "INSERT INTO `outbox`"
)

// countingBuilder возвращает builder, считающий вызовы.
func countingBuilder(calls *int) EventBuilder {
	return func(ctx context.Context, tx *domain.PaymentTransaction) (*outbox.Outbox, error) {
		*calls++
		return outbox.NewRecord("payment", tx.AppTransID, "PAYMENT_SUCCESS", "payment.success", tx.AppTransID, []byte(`{}`), nil), nil
	}
}

func successOutcome() domain.Outcome {
	return domain.Outcome{
		AppTransID: "240101_1",
		Status:     domain.TransactionStatusSuccess,
		ZPTransID:  99,
		PaidAt:     time.Now(),
		ReturnCode: 1,
		Source:     domain.SourceCallback,
	}
}

// =============================================================================
// Transition
// =============================================================================

func TestTransition_Applied(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(updateTxSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectTxSQL).WillReturnRows(txRow(domain.TransactionStatusSuccess, int64(99)))
	mock.ExpectExec(insertOutbox).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	calls := 0
	applied, tx, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending}, countingBuilder(&calls))

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, calls, "ровно одно событие на переход")
	assert.Equal(t, domain.TransactionStatusSuccess, tx.Status)
	assert.Equal(t, []string{"o1", "o2"}, tx.OrderIDs)
	require.NotNil(t, tx.ZPTransID)
	assert.Equal(t, int64(99), *tx.ZPTransID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_NoopOnTerminal(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(updateTxSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectTxSQL).WillReturnRows(txRow(domain.TransactionStatusExpired, nil))
	mock.ExpectCommit()

	calls := 0
	applied, tx, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending}, countingBuilder(&calls))

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, calls, "NO_OP не публикует событие")
	assert.Equal(t, domain.TransactionStatusExpired, tx.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_NotFound(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(updateTxSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectTxSQL).WillReturnRows(sqlmock.NewRows(txColumns))
	mock.ExpectRollback()

	_, _, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending}, nil)

	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_HonorPolicyGuard(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `payment_transactions` SET .* WHERE app_trans_id = \\? AND status IN \\(\\?,\\?\\)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectTxSQL).WillReturnRows(txRow(domain.TransactionStatusSuccess, int64(99)))
	mock.ExpectExec(insertOutbox).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	calls := 0
	applied, _, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending, domain.TransactionStatusExpired}, countingBuilder(&calls))

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_OutboxFailureRollsBack(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(updateTxSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectTxSQL).WillReturnRows(txRow(domain.TransactionStatusSuccess, int64(99)))
	mock.ExpectExec(insertOutbox).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	calls := 0
	applied, _, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending}, countingBuilder(&calls))

	assert.False(t, applied)
	assert.True(t, domain.IsPersistenceError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_UpdateError(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(updateTxSQL).WillReturnError(errors.New("deadlock found"))
	mock.ExpectRollback()

	_, _, err := repo.Transition(context.Background(), successOutcome(),
		[]domain.TransactionStatus{domain.TransactionStatusPending}, nil)

	assert.True(t, domain.IsPersistenceError(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Create / выборки
// =============================================================================

func TestTransactionCreate_Duplicate(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payment_transactions`")).
		WillReturnError(errors.New("Error 1062: Duplicate entry '240101_1' for key 'app_trans_id'"))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), &domain.PaymentTransaction{
		ID: "tx-1", AppTransID: "240101_1", AppUser: "u", Amount: 1, Status: domain.TransactionStatusPending,
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingSince(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)
	since := time.Now().Add(-16 * time.Minute)

	mock.ExpectQuery("SELECT \\* FROM `payment_transactions` WHERE status = \\? AND created_at >= \\? ORDER BY created_at ASC LIMIT \\?").
		WithArgs("PENDING", since, 200).
		WillReturnRows(txRow(domain.TransactionStatusPending, nil))

	list, err := repo.ListPendingSince(context.Background(), since, 200)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "240101_1", list[0].AppTransID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingBefore(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewTransactionRepository(gormDB)
	before := time.Now().Add(-16 * time.Minute)

	mock.ExpectQuery("SELECT \\* FROM `payment_transactions` WHERE status = \\? AND created_at < \\?").
		WithArgs("PENDING", before, 50).
		WillReturnRows(sqlmock.NewRows(txColumns))

	list, err := repo.ListPendingBefore(context.Background(), before, 50)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// Возвраты
// =============================================================================

var refundColumns = []string{"id", "m_refund_id", "app_trans_id", "zp_trans_id", "amount", "status", "idempotency_key", "created_at"}

func TestCreateWithinRemainder(t *testing.T) {
	lockSQL := "SELECT \\* FROM `payment_transactions` WHERE app_trans_id = \\? .*FOR UPDATE"
	listSQL := "SELECT \\* FROM `refund_transactions` WHERE app_trans_id = \\?"

	existing := func() *sqlmock.Rows {
		return sqlmock.NewRows(refundColumns).
			AddRow("r-0", "240101_2553_0", "240101_1", int64(99), int64(60000), "SUCCESS", "k0", time.Now()).
			AddRow("r-f", "240101_2553_f", "240101_1", int64(99), int64(90000), "FAILED", "kf", time.Now())
	}
	paid := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "app_trans_id", "amount", "status"}).
			AddRow("tx-1", "240101_1", int64(100000), "SUCCESS")
	}

	newRefund := func(amount int64) *domain.RefundTransaction {
		return &domain.RefundTransaction{
			ID: "r-1", MRefundID: "240101_2553_1", AppTransID: "240101_1", ZPTransID: 99,
			Amount: amount, IdempotencyKey: "k1", Status: domain.RefundStatusProcessing,
		}
	}

	t.Run("в пределах остатка", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectQuery(lockSQL).WillReturnRows(paid())
		mock.ExpectQuery(listSQL).WillReturnRows(existing())
		mock.ExpectExec("INSERT INTO `refund_transactions`").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.CreateWithinRemainder(context.Background(), newRefund(40000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("превышение остатка", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectQuery(lockSQL).WillReturnRows(paid())
		mock.ExpectQuery(listSQL).WillReturnRows(existing())
		mock.ExpectRollback()

		err := repo.CreateWithinRemainder(context.Background(), newRefund(40001))
		assert.ErrorIs(t, err, domain.ErrRefundAmountInvalid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("транзакция не оплачена", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectQuery(lockSQL).WillReturnRows(
			sqlmock.NewRows([]string{"id", "app_trans_id", "amount", "status"}).AddRow("tx-1", "240101_1", int64(100000), "PENDING"))
		mock.ExpectRollback()

		err := repo.CreateWithinRemainder(context.Background(), newRefund(1))
		assert.ErrorIs(t, err, domain.ErrRefundNotAllowed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("дубликат ключа идемпотентности", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectQuery(lockSQL).WillReturnRows(paid())
		mock.ExpectQuery(listSQL).WillReturnRows(sqlmock.NewRows(refundColumns))
		mock.ExpectExec("INSERT INTO `refund_transactions`").WillReturnError(errors.New("Error 1062: Duplicate entry"))
		mock.ExpectRollback()

		err := repo.CreateWithinRemainder(context.Background(), newRefund(10))
		assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRefundApply(t *testing.T) {
	updateSQL := "UPDATE `refund_transactions` SET .* WHERE m_refund_id = \\? AND status = \\?"
	selectSQL := "SELECT \\* FROM `refund_transactions` WHERE m_refund_id = \\?"

	builder := func(calls *int) RefundEventBuilder {
		return func(ctx context.Context, r *domain.RefundTransaction) (*outbox.Outbox, error) {
			*calls++
			return outbox.NewRecord("refund", r.MRefundID, "REFUND_SUCCESS", "refund.success", r.MRefundID, []byte(`{}`), nil), nil
		}
	}

	t.Run("терминальный статус", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(selectSQL).WillReturnRows(sqlmock.NewRows(refundColumns).
			AddRow("r-1", "240101_2553_1", "240101_1", int64(99), int64(10), "SUCCESS", "k1", time.Now()))
		mock.ExpectExec(insertOutbox).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		calls := 0
		applied, r, err := repo.Apply(context.Background(), "240101_2553_1",
			RefundResult{Status: domain.RefundStatusSuccess, ReturnCode: 1}, builder(&calls))
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 1, calls)
		assert.Equal(t, domain.RefundStatusSuccess, r.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ещё в обработке", func(t *testing.T) {
		gormDB, mock := setupMockDB(t)
		repo := NewRefundRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectExec(updateSQL).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(selectSQL).WillReturnRows(sqlmock.NewRows(refundColumns).
			AddRow("r-1", "240101_2553_1", "240101_1", int64(99), int64(10), "PROCESSING", "k1", time.Now()))
		mock.ExpectCommit()

		calls := 0
		applied, _, err := repo.Apply(context.Background(), "240101_2553_1",
			RefundResult{Status: domain.RefundStatusProcessing, ReturnCode: 3, RefundID: 777}, builder(&calls))
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 0, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// =============================================================================
// Журнал callback
// =============================================================================

func TestCallbackLog_Record(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewCallbackLogRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `callback_logs`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Record(context.Background(), CallbackLogEntry{
		AppTransID: "240101_1",
		Data:       `{"app_trans_id":"240101_1"}`,
		RawBody:    `{"data":"...","mac":"..."}`,
		MacValid:   true,
		Outcome:    CallbackOutcomeApplied,
		ReturnCode: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackLog_DeleteBefore(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewCallbackLogRepository(gormDB)
	before := time.Now().Add(-720 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `callback_logs` WHERE created_at < \\?").WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	n, err := repo.DeleteBefore(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
