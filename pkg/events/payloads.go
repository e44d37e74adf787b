package events

import "time"

// PaymentSucceeded - payload PAYMENT_SUCCESS.
type PaymentSucceeded struct {
	AppTransID string    `json:"app_trans_id"`
	ZPTransID  int64     `json:"zp_trans_id"`
	Amount     int64     `json:"amount"`
	PaidAt     time.Time `json:"paid_at"`
	OrderIDs   []string  `json:"order_ids"`
}

// PaymentFailed - payload PAYMENT_FAILED.
type PaymentFailed struct {
	AppTransID    string   `json:"app_trans_id"`
	Reason        string   `json:"reason"`
	ReturnCode    int      `json:"return_code"`
	SubReturnCode int      `json:"sub_return_code"`
	OrderIDs      []string `json:"order_ids"`
}

// PaymentExpired - payload PAYMENT_EXPIRED.
type PaymentExpired struct {
	AppTransID string    `json:"app_trans_id"`
	ExpiredAt  time.Time `json:"expired_at"`
	OrderIDs   []string  `json:"order_ids"`
}

// RefundCompleted - payload REFUND_SUCCESS и REFUND_FAILED.
type RefundCompleted struct {
	MRefundID     string `json:"m_refund_id"`
	AppTransID    string `json:"app_trans_id"`
	ZPTransID     int64  `json:"zp_trans_id"`
	Amount        int64  `json:"amount"`
	OrderID       string `json:"order_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SubReturnCode int    `json:"sub_return_code,omitempty"`
}

// OrderCreated - payload ORDER_CREATED.
type OrderCreated struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	TotalAmount int64     `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderReturnApproved - payload ORDER_RETURN_APPROVED.
// Платёжный сервис запускает по нему возврат на сумму заказа.
type OrderReturnApproved struct {
	OrderID              string `json:"order_id"`
	UserID               string `json:"user_id"`
	PaymentTransactionID string `json:"payment_transaction_id"`
	Amount               int64  `json:"amount"`
	Reason               string `json:"reason,omitempty"`
}
