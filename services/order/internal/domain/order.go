// Package domain содержит бизнес-сущности и доменные ошибки Order Service.
package domain

import (
	"strings"
	"time"
)

// OrderStatus - статус заказа.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusConfirmed       OrderStatus = "CONFIRMED"
	OrderStatusShipping        OrderStatus = "SHIPPING"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusReturnRequested OrderStatus = "RETURN_REQUESTED"
	OrderStatusReturnApproved  OrderStatus = "RETURN_APPROVED"
	OrderStatusReturnRejected  OrderStatus = "RETURN_REJECTED"
)

// PaymentStatus - статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	PaymentStatusPaid   PaymentStatus = "PAID"
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// transitions - допустимые переходы статуса заказа.
// Статусы без записи терминальные.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:       {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping:        {OrderStatusDelivered},
	OrderStatusDelivered:       {OrderStatusReturnRequested},
	OrderStatusReturnRequested: {OrderStatusReturnApproved, OrderStatusReturnRejected},
}

// ParseOrderStatus проверяет строковое значение статуса.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipping, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusReturnRequested, OrderStatusReturnApproved, OrderStatusReturnRejected:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal - из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Order - заказ.
// Несколько заказов одного пользователя могут оплачиваться одной транзакцией.
type Order struct {
	ID                   string
	UserID               string
	Items                []OrderItem
	TotalAmount          int64 // VND, целое число
	Status               OrderStatus
	PaymentStatus        PaymentStatus
	PaymentTransactionID *string // app_trans_id платёжной транзакции
	Note                 string
	ReturnReason         string
	IdempotencyKey       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate проверяет поля нового заказа.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.UserID) == "" {
		return ErrInvalidUserID
	}
	if len(o.Items) == 0 {
		return ErrEmptyOrderItems
	}
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CalculateTotal пересчитывает сумму заказа по позициям.
func (o *Order) CalculateTotal() {
	var total int64
	for i := range o.Items {
		total += o.Items[i].Total()
	}
	o.TotalAmount = total
}

// TransitionTo меняет статус по таблице переходов.
func (o *Order) TransitionTo(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// HasActivePayment - к заказу привязана транзакция, результат которой ещё не известен.
func (o *Order) HasActivePayment() bool {
	return o.PaymentTransactionID != nil && o.PaymentStatus == PaymentStatusUnpaid
}

// CanCheckout проверяет, что заказ можно оплатить пользователем userID.
// Повторная оплата разрешена после FAILED.
func (o *Order) CanCheckout(userID string) error {
	switch {
	case o.UserID != userID:
		return ErrOrderOwnerMismatch
	case o.Status != OrderStatusPending:
		return ErrOrderNotPayable
	case o.PaymentStatus == PaymentStatusPaid:
		return ErrOrderAlreadyPaid
	case o.HasActivePayment():
		return ErrPaymentInProgress
	}
	return nil
}

// AttachPayment привязывает заказ к транзакции appTransID.
func (o *Order) AttachPayment(appTransID string, now time.Time) {
	o.PaymentTransactionID = &appTransID
	o.PaymentStatus = PaymentStatusUnpaid
	o.UpdatedAt = now
}

// ConfirmPayment отмечает успешную оплату.
// PENDING заказ становится CONFIRMED. Уже оплаченный заказ не меняется (false).
// Заказ в другом статусе получает PAID без смены статуса и заметку для ручного возврата.
func (o *Order) ConfirmPayment(now time.Time) bool {
	if o.PaymentStatus == PaymentStatusPaid {
		return false
	}
	o.PaymentStatus = PaymentStatusPaid
	o.UpdatedAt = now
	if o.Status == OrderStatusPending {
		o.Status = OrderStatusConfirmed
		return true
	}
	o.AppendNote("payment received in status " + string(o.Status))
	return true
}

// FailPayment отмечает неуспешную оплату. Меняются только неоплаченные заказы,
// статус заказа сохраняется.
func (o *Order) FailPayment(note string, now time.Time) bool {
	if o.PaymentStatus != PaymentStatusUnpaid {
		return false
	}
	o.PaymentStatus = PaymentStatusFailed
	o.AppendNote(note)
	o.UpdatedAt = now
	return true
}

// AppendNote добавляет строку к заметке заказа.
func (o *Order) AppendNote(line string) {
	if o.Note == "" {
		o.Note = line
		return
	}
	o.Note += "\n" + line
}

// OrderItem - позиция заказа.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string // денормализовано для истории
	Quantity    int32
	UnitPrice   int64
}

// Validate проверяет поля позиции.
func (oi *OrderItem) Validate() error {
	if strings.TrimSpace(oi.ProductID) == "" {
		return ErrInvalidProductID
	}
	if strings.TrimSpace(oi.ProductName) == "" {
		return ErrInvalidProductName
	}
	if oi.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if oi.UnitPrice <= 0 {
		return ErrInvalidPrice
	}
	return nil
}

// Total возвращает стоимость позиции.
func (oi *OrderItem) Total() int64 {
	return oi.UnitPrice * int64(oi.Quantity)
}
