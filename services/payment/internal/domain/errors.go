package domain

import (
	"errors"
	"fmt"
)

// Доменные ошибки Payment Service.
var (
	// ErrTransactionNotFound - транзакция с таким app_trans_id / zp_trans_id не найдена.
	ErrTransactionNotFound = errors.New("платёжная транзакция не найдена")

	// ErrRefundNotFound - возврат не найден.
	ErrRefundNotFound = errors.New("возврат не найден")

	// ErrInvalidAmount - некорректная сумма платежа.
	ErrInvalidAmount = errors.New("сумма платежа должна быть больше нуля")

	// ErrDuplicateTransaction - app_trans_id уже существует.
	ErrDuplicateTransaction = errors.New("транзакция с таким app_trans_id уже существует")

	// ErrDuplicateRequest - запрос с таким ключом идемпотентности уже обрабатывается.
	ErrDuplicateRequest = errors.New("запрос с таким ключом идемпотентности уже обрабатывается")

	// ErrRefundNotAllowed - возврат возможен только по успешной транзакции.
	ErrRefundNotAllowed = errors.New("возврат возможен только по успешной транзакции")

	// ErrRefundAmountInvalid - сумма возврата не положительна или превышает остаток.
	ErrRefundAmountInvalid = &CodedError{Code: "REFUND_AMOUNT_INVALID", Message: "сумма возврата превышает доступный остаток"}

	// ErrOrderAmountMismatch - сумма платежа не совпадает с суммой заказов.
	ErrOrderAmountMismatch = errors.New("сумма платежа не совпадает с суммой заказов")
)

// CodedError - ошибка с машиночитаемым кодом для API.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return e.Code + ": " + e.Message
}

// ValidationError - некорректные входные данные.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError создаёт ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("некорректное поле %s: %s", e.Field, e.Message)
}

// SignatureError - подпись не сформирована или не совпала.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "ошибка подписи: " + e.Reason
}

// GatewayError - ошибка платёжного шлюза.
// Retryable означает, что тот же запрос можно повторить позже (сеть, 5xx, системная ошибка шлюза).
type GatewayError struct {
	Op        string
	Code      int // return_code, 0 для транспортных ошибок
	SubCode   int // sub_return_code
	Message   string
	Category  SubCodeCategory
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ошибка шлюза %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("ошибка шлюза %s: return_code=%d sub_return_code=%d: %s", e.Op, e.Code, e.SubCode, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetryableGatewayError сообщает, что err - повторяемая ошибка шлюза.
func IsRetryableGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}

// PersistenceError - ошибка хранилища.
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError оборачивает ошибку хранилища. nil остаётся nil.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ошибка хранилища (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError сообщает, что err вызвана хранилищем.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
