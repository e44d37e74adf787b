// Package repository содержит реализацию доступа к данным для Payment Service.
package repository

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"example.com/order-payment/services/payment/internal/domain"
)

// =============================================================================
// payment_transactions
// =============================================================================

// TransactionModel - GORM модель для таблицы payment_transactions.
type TransactionModel struct {
	ID            string                      `gorm:"column:id;type:varchar(36);primaryKey"`
	AppTransID    string                      `gorm:"column:app_trans_id;type:varchar(40);not null;uniqueIndex"`
	ZPTransID     *int64                      `gorm:"column:zp_trans_id;index"`
	AppUser       string                      `gorm:"column:app_user;type:varchar(50);not null"`
	Amount        int64                       `gorm:"column:amount;not null"`
	Description   string                      `gorm:"column:description;type:varchar(256)"`
	Items         string                      `gorm:"column:items;type:text"`
	EmbedData     string                      `gorm:"column:embed_data;type:text"`
	OrderIDs      datatypes.JSONSlice[string] `gorm:"column:order_ids"`
	Status        string                      `gorm:"column:status;type:varchar(20);not null;index:idx_status_created,priority:1"`
	ReturnCode    int                         `gorm:"column:return_code"`
	SubReturnCode int                         `gorm:"column:sub_return_code"`
	FailureReason *string                     `gorm:"column:failure_reason;type:text"`
	PayURL        string                      `gorm:"column:pay_url;type:varchar(512)"`
	QRCode        string                      `gorm:"column:qr_code;type:text"`
	ZPTransToken  string                      `gorm:"column:zp_trans_token;type:varchar(128)"`
	CreatedAt     time.Time                   `gorm:"column:created_at;index:idx_status_created,priority:2"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at"`
	PaidAt        *time.Time                  `gorm:"column:paid_at"`
}

// TableName возвращает имя таблицы в БД.
func (TransactionModel) TableName() string {
	return "payment_transactions"
}

func (m *TransactionModel) toDomain() *domain.PaymentTransaction {
	return &domain.PaymentTransaction{
		ID:            m.ID,
		AppTransID:    m.AppTransID,
		ZPTransID:     m.ZPTransID,
		AppUser:       m.AppUser,
		Amount:        m.Amount,
		Description:   m.Description,
		Items:         m.Items,
		EmbedData:     m.EmbedData,
		OrderIDs:      []string(m.OrderIDs),
		Status:        domain.TransactionStatus(m.Status),
		ReturnCode:    m.ReturnCode,
		SubReturnCode: m.SubReturnCode,
		FailureReason: m.FailureReason,
		PayURL:        m.PayURL,
		QRCode:        m.QRCode,
		ZPTransToken:  m.ZPTransToken,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		PaidAt:        m.PaidAt,
	}
}

func transactionModelFromDomain(t *domain.PaymentTransaction) *TransactionModel {
	return &TransactionModel{
		ID:            t.ID,
		AppTransID:    t.AppTransID,
		ZPTransID:     t.ZPTransID,
		AppUser:       t.AppUser,
		Amount:        t.Amount,
		Description:   t.Description,
		Items:         t.Items,
		EmbedData:     t.EmbedData,
		OrderIDs:      datatypes.NewJSONSlice(t.OrderIDs),
		Status:        string(t.Status),
		ReturnCode:    t.ReturnCode,
		SubReturnCode: t.SubReturnCode,
		FailureReason: t.FailureReason,
		PayURL:        t.PayURL,
		QRCode:        t.QRCode,
		ZPTransToken:  t.ZPTransToken,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		PaidAt:        t.PaidAt,
	}
}

// =============================================================================
// refund_transactions
// =============================================================================

// RefundModel - GORM модель для таблицы refund_transactions.
type RefundModel struct {
	ID             string     `gorm:"column:id;type:varchar(36);primaryKey"`
	MRefundID      string     `gorm:"column:m_refund_id;type:varchar(64);not null;uniqueIndex"`
	AppTransID     string     `gorm:"column:app_trans_id;type:varchar(40);not null;index"`
	ZPTransID      int64      `gorm:"column:zp_trans_id;not null"`
	RefundID       *int64     `gorm:"column:refund_id"`
	Amount         int64      `gorm:"column:amount;not null"`
	Reason         string     `gorm:"column:reason;type:varchar(256)"`
	OrderID        string     `gorm:"column:order_id;type:varchar(36);index"`
	IdempotencyKey string     `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex"`
	Status         string     `gorm:"column:status;type:varchar(20);not null;index"`
	ReturnCode     int        `gorm:"column:return_code"`
	SubReturnCode  int        `gorm:"column:sub_return_code"`
	ReturnMessage  string     `gorm:"column:return_message;type:varchar(512)"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
}

// TableName возвращает имя таблицы в БД.
func (RefundModel) TableName() string {
	return "refund_transactions"
}

func (m *RefundModel) toDomain() *domain.RefundTransaction {
	return &domain.RefundTransaction{
		ID:             m.ID,
		MRefundID:      m.MRefundID,
		AppTransID:     m.AppTransID,
		ZPTransID:      m.ZPTransID,
		RefundID:       m.RefundID,
		Amount:         m.Amount,
		Reason:         m.Reason,
		OrderID:        m.OrderID,
		IdempotencyKey: m.IdempotencyKey,
		Status:         domain.RefundStatus(m.Status),
		ReturnCode:     m.ReturnCode,
		SubReturnCode:  m.SubReturnCode,
		ReturnMessage:  m.ReturnMessage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		CompletedAt:    m.CompletedAt,
	}
}

func refundModelFromDomain(r *domain.RefundTransaction) *RefundModel {
	return &RefundModel{
		ID:             r.ID,
		MRefundID:      r.MRefundID,
		AppTransID:     r.AppTransID,
		ZPTransID:      r.ZPTransID,
		RefundID:       r.RefundID,
		Amount:         r.Amount,
		Reason:         r.Reason,
		OrderID:        r.OrderID,
		IdempotencyKey: r.IdempotencyKey,
		Status:         string(r.Status),
		ReturnCode:     r.ReturnCode,
		SubReturnCode:  r.SubReturnCode,
		ReturnMessage:  r.ReturnMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}

// =============================================================================
// callback_logs
// =============================================================================

// CallbackLogModel - журнал входящих callback.
type CallbackLogModel struct {
	ID         string         `gorm:"column:id;type:varchar(36);primaryKey"`
	AppTransID string         `gorm:"column:app_trans_id;type:varchar(40);index"`
	TraceID    string         `gorm:"column:trace_id;type:varchar(64)"`
	Type       int            `gorm:"column:type"`
	Data       datatypes.JSON `gorm:"column:data"` // Поле data, если это валидный JSON
	RawBody    string         `gorm:"column:raw_body;type:text"`
	MacValid   bool           `gorm:"column:mac_valid;not null"`
	Outcome    string         `gorm:"column:outcome;type:varchar(32);not null"`
	ReturnCode int            `gorm:"column:return_code;not null"`
	Error      *string        `gorm:"column:error;type:text"`
	CreatedAt  time.Time      `gorm:"column:created_at;index"`
}

// TableName возвращает имя таблицы в БД.
func (CallbackLogModel) TableName() string {
	return "callback_logs"
}

// Models перечисляет модели сервиса для AutoMigrate.
func Models() []any {
	return []any{&TransactionModel{}, &RefundModel{}, &CallbackLogModel{}}
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
