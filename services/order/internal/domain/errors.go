package domain

import (
	"errors"
	"fmt"
)

// Доменные ошибки Order Service.
var (
	// ErrOrderNotFound возвращается, когда заказ не найден в базе данных.
	ErrOrderNotFound = errors.New("заказ не найден")

	ErrEmptyOrderItems    = errors.New("заказ должен содержать хотя бы одну позицию")
	ErrInvalidUserID      = errors.New("некорректный идентификатор пользователя")
	ErrInvalidProductID   = errors.New("некорректный идентификатор товара")
	ErrInvalidProductName = errors.New("название товара не может быть пустым")
	ErrInvalidQuantity    = errors.New("количество должно быть больше нуля")
	ErrInvalidPrice       = errors.New("цена должна быть больше нуля")
	ErrInvalidStatus      = errors.New("неизвестный статус заказа")

	// ErrDuplicateOrder возвращается при повторном idempotency_key.
	ErrDuplicateOrder = errors.New("заказ с таким idempotency_key уже существует")

	// Ошибки оформления оплаты.
	ErrEmptyCheckout      = errors.New("не выбраны заказы для оплаты")
	ErrOrderOwnerMismatch = errors.New("заказы принадлежат разным пользователям")
	ErrOrderNotPayable    = errors.New("заказ нельзя оплатить в текущем статусе")
	ErrOrderAlreadyPaid   = errors.New("заказ уже оплачен")

	// ErrPaymentInProgress - у заказа есть незавершённая транзакция.
	ErrPaymentInProgress = errors.New("оплата заказа уже выполняется")

	// ErrOrderNotPaid - подтверждение заказа без оплаты.
	ErrOrderNotPaid = errors.New("заказ не оплачен")

	// ErrPaymentCreation - Payment Service не создал транзакцию.
	ErrPaymentCreation = errors.New("не удалось создать платёж")

	// ErrReturnNotAllowed - возврат неоплаченного заказа.
	ErrReturnNotAllowed = errors.New("возврат возможен только для оплаченного заказа")
)

// TransitionError - переход статуса не разрешён таблицей переходов.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход статуса заказа %s → %s", e.From, e.To)
}
