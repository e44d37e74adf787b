package domain

import "time"

// RefundStatus - статус возврата.
type RefundStatus string

const (
	// RefundStatusProcessing - запрос отправлен или будет отправлен, результат неизвестен.
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusSuccess    RefundStatus = "SUCCESS"
	RefundStatusFailed     RefundStatus = "FAILED"
)

// IsTerminal возвращает true для SUCCESS и FAILED.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusSuccess || s == RefundStatusFailed
}

// RefundTransaction - возврат по успешной транзакции.
type RefundTransaction struct {
	ID             string
	MRefundID      string // yyMMdd_<app_id>_<seq>, уникален
	AppTransID     string
	ZPTransID      int64
	RefundID       *int64 // Идентификатор возврата в шлюзе
	Amount         int64
	Reason         string
	OrderID        string // Заказ, по возврату которого выполняется refund (опционально)
	IdempotencyKey string
	Status         RefundStatus
	ReturnCode     int
	SubReturnCode  int
	ReturnMessage  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// RefundRequest - запрос на возврат.
// Транзакция ищется по ZPTransID, если он задан, иначе по AppTransID.
type RefundRequest struct {
	AppTransID     string
	ZPTransID      int64
	Amount         int64
	Reason         string
	OrderID        string
	IdempotencyKey string
}

// Validate проверяет поля запроса, не зависящие от состояния БД.
func (r RefundRequest) Validate() error {
	if r.AppTransID == "" && r.ZPTransID == 0 {
		return NewValidationError("app_trans_id", "нужен app_trans_id или zp_trans_id")
	}
	if r.Amount <= 0 {
		return ErrRefundAmountInvalid
	}
	return nil
}

// RefundableAmount возвращает остаток, доступный для возврата.
// Учитываются возвраты в PROCESSING и SUCCESS: неуспешные не уменьшают остаток.
func RefundableAmount(txAmount int64, refunds []*RefundTransaction) int64 {
	remaining := txAmount
	for _, r := range refunds {
		if r.Status == RefundStatusProcessing || r.Status == RefundStatusSuccess {
			remaining -= r.Amount
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}
