// Package domain содержит бизнес-сущности Payment Service:
// платёжные транзакции, возвраты и классификацию кодов ответа шлюза.
package domain

import (
	"errors"
	"time"
)

// TransactionStatus - статус платёжной транзакции.
type TransactionStatus string

const (
	// TransactionStatusPending - транзакция создана, результат оплаты неизвестен.
	TransactionStatusPending TransactionStatus = "PENDING"

	// TransactionStatusSuccess - шлюз подтвердил оплату.
	TransactionStatusSuccess TransactionStatus = "SUCCESS"

	// TransactionStatusFailed - оплата отклонена.
	TransactionStatusFailed TransactionStatus = "FAILED"

	// TransactionStatusExpired - срок платёжной сессии истёк без результата.
	TransactionStatusExpired TransactionStatus = "EXPIRED"
)

// IsTerminal возвращает true для всех статусов, кроме PENDING.
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// Valid проверяет, что статус из известного набора.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusExpired:
		return true
	}
	return false
}

// =============================================================================
// Допустимые переходы состояний
// =============================================================================

// allowedTransitions: только из PENDING. Терминальные статусы не меняются,
// кроме явно включённой политики LateSuccessHonor (см. LateSuccessPolicy).
var allowedTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusExpired},
}

// CanTransition проверяет переход from -> to.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LateSuccessPolicy определяет реакцию на SUCCESS, пришедший после EXPIRED.
type LateSuccessPolicy string

const (
	// LateSuccessIgnore - EXPIRED окончателен, запоздавший SUCCESS логируется и игнорируется.
	LateSuccessIgnore LateSuccessPolicy = "ignore"

	// LateSuccessHonor - запоздавший SUCCESS переводит EXPIRED в SUCCESS.
	// Деньги списаны, поэтому заказ должен быть подтверждён.
	LateSuccessHonor LateSuccessPolicy = "honor"
)

// ParseLateSuccessPolicy разбирает значение из конфигурации.
func ParseLateSuccessPolicy(s string) (LateSuccessPolicy, error) {
	switch LateSuccessPolicy(s) {
	case LateSuccessIgnore, LateSuccessHonor:
		return LateSuccessPolicy(s), nil
	}
	return "", NewValidationError("late_success_policy", "допустимо ignore или honor")
}

// =============================================================================
// PaymentTransaction
// =============================================================================

// PaymentTransaction - платёж через шлюз.
// AppTransID генерируется локально до вызова шлюза и уникален.
type PaymentTransaction struct {
	ID            string
	AppTransID    string // yyMMdd_<суффикс>, дата по GMT+7
	ZPTransID     *int64 // Идентификатор шлюза, заполняется при успехе
	AppUser       string
	Amount        int64 // VND, целое
	Description   string
	Items         string   // JSON массив позиций, как ушёл в шлюз
	EmbedData     string   // JSON с order_ids, как ушёл в шлюз
	OrderIDs      []string // Заказы, оплачиваемые транзакцией
	Status        TransactionStatus
	ReturnCode    int
	SubReturnCode int
	FailureReason *string
	PayURL        string
	QRCode        string
	ZPTransToken  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
}

// IsExpired сообщает, истёк ли срок платёжной сессии к моменту now.
func (t *PaymentTransaction) IsExpired(now time.Time, expiry time.Duration) bool {
	return now.Sub(t.CreatedAt) > expiry
}

// Validate проверяет поля новой транзакции.
func (t *PaymentTransaction) Validate() error {
	if t.AppTransID == "" {
		return NewValidationError("app_trans_id", "обязателен")
	}
	if t.AppUser == "" {
		return NewValidationError("app_user", "обязателен")
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if len(t.OrderIDs) == 0 {
		return NewValidationError("order_ids", "нужен хотя бы один заказ")
	}
	return nil
}

// =============================================================================
// Outcome - результат оплаты из callback или сверки
// =============================================================================

// OutcomeSource - откуда пришёл результат.
type OutcomeSource string

const (
	SourceCallback  OutcomeSource = "callback"
	SourceReconcile OutcomeSource = "reconcile"
	SourceSync      OutcomeSource = "sync"
	SourceCreate    OutcomeSource = "create" // Шлюз отклонил createOrder
)

// Outcome - терминальный результат оплаты, который применяется к транзакции.
type Outcome struct {
	AppTransID    string
	Status        TransactionStatus
	ZPTransID     int64
	PaidAt        time.Time
	ReturnCode    int
	SubReturnCode int
	Reason        string
	Source        OutcomeSource
}

// SuccessOutcome - единственный способ собрать успешный результат.
// Callback и сверка должны записать в строку одинаковые коды и время оплаты,
// поэтому коды фиксированы, а paidAt приводится к UTC.
func SuccessOutcome(appTransID string, zpTransID int64, paidAt time.Time, source OutcomeSource) Outcome {
	if !paidAt.IsZero() {
		paidAt = paidAt.UTC()
	}
	return Outcome{
		AppTransID:    appTransID,
		Status:        TransactionStatusSuccess,
		ZPTransID:     zpTransID,
		PaidAt:        paidAt,
		ReturnCode:    ReturnCodeSuccess,
		SubReturnCode: SubReturnCodeSuccess,
		Source:        source,
	}
}

// Validate проверяет, что результат терминальный и адресован транзакции.
func (o Outcome) Validate() error {
	if o.AppTransID == "" {
		return NewValidationError("app_trans_id", "обязателен")
	}
	if !o.Status.IsTerminal() || !o.Status.Valid() {
		return errors.New("результат оплаты должен быть терминальным статусом")
	}
	return nil
}

// ApplyResult - итог применения Outcome.
type ApplyResult struct {
	// Applied - переход выполнен этим вызовом. false означает NO_OP.
	Applied     bool
	Transaction *PaymentTransaction
}
