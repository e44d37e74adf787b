package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/service"
	"example.com/order-payment/services/payment/internal/zalopay"
)

// PaymentHandler - обработчик платежей и возвратов.
type PaymentHandler struct {
	payments service.PaymentService
	refunds  service.RefundService
}

// NewPaymentHandler создаёт обработчик.
func NewPaymentHandler(payments service.PaymentService, refunds service.RefundService) *PaymentHandler {
	return &PaymentHandler{payments: payments, refunds: refunds}
}

// === Request/Response DTOs ===

// CreatePaymentRequest - запрос на создание платежа.
type CreatePaymentRequest struct {
	AppUser        string        `json:"app_user" binding:"required,max=50"`
	Amount         int64         `json:"amount" binding:"required,min=1"`
	Description    string        `json:"description" binding:"max=256"`
	OrderIDs       []string      `json:"order_ids" binding:"required,min=1,dive,required"`
	Items          []ItemRequest `json:"items" binding:"dive"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// ItemRequest - позиция для отображения в шлюзе.
type ItemRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Price    int64  `json:"price" binding:"min=0"`
	Quantity int    `json:"quantity" binding:"min=1"`
}

// PaymentResponse - транзакция в ответе.
type PaymentResponse struct {
	AppTransID    string   `json:"app_trans_id"`
	ZPTransID     *int64   `json:"zp_trans_id,omitempty"`
	Amount        int64    `json:"amount"`
	Status        string   `json:"status"`
	OrderIDs      []string `json:"order_ids"`
	PayURL        string   `json:"order_url,omitempty"`
	QRCode        string   `json:"qr_code,omitempty"`
	FailureReason *string  `json:"failure_reason,omitempty"`
	AlreadyExists bool     `json:"already_exists,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	PaidAt        *int64   `json:"paid_at,omitempty"`
}

// SyncResponse - результат ручной сверки.
type SyncResponse struct {
	Applied bool            `json:"applied"`
	Payment PaymentResponse `json:"payment"`
}

// CreateRefundRequest - запрос на возврат.
type CreateRefundRequest struct {
	AppTransID     string `json:"app_trans_id"`
	ZPTransID      int64  `json:"zp_trans_id"`
	Amount         int64  `json:"amount" binding:"required,min=1"`
	Reason         string `json:"reason" binding:"max=100"`
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RefundResponse - возврат в ответе.
type RefundResponse struct {
	MRefundID     string `json:"m_refund_id"`
	AppTransID    string `json:"app_trans_id"`
	ZPTransID     int64  `json:"zp_trans_id"`
	RefundID      *int64 `json:"refund_id,omitempty"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	SubReturnCode int    `json:"sub_return_code,omitempty"`
	ReturnMessage string `json:"return_message,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// === Handlers ===

// CreatePayment создаёт платёж.
// POST /api/v1/payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос на создание платежа")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Невалидные данные запроса"})
		return
	}

	items := make([]zalopay.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = zalopay.Item{ItemID: it.ID, ItemName: it.Name, ItemPrice: it.Price, ItemQuantity: it.Quantity}
	}

	res, err := h.payments.CreatePayment(ctx, service.CreatePaymentRequest{
		AppUser:        req.AppUser,
		Amount:         req.Amount,
		Description:    req.Description,
		OrderIDs:       req.OrderIDs,
		Items:          items,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		HandleError(c, err, "CreatePayment")
		return
	}

	resp := toPaymentResponse(res.Transaction)
	resp.AlreadyExists = res.AlreadyExists
	status := http.StatusCreated
	if res.AlreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetPayment возвращает транзакцию.
// GET /api/v1/payments/:appTransId
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	tx, err := h.payments.GetPayment(c.Request.Context(), c.Param("appTransId"))
	if err != nil {
		HandleError(c, err, "GetPayment")
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(tx))
}

// SyncPayment сверяет транзакцию со шлюзом по запросу.
// POST /api/v1/payments/:appTransId/sync
func (h *PaymentHandler) SyncPayment(c *gin.Context) {
	res, err := h.payments.SyncPayment(c.Request.Context(), c.Param("appTransId"))
	if err != nil {
		HandleError(c, err, "SyncPayment")
		return
	}
	c.JSON(http.StatusOK, SyncResponse{Applied: res.Applied, Payment: toPaymentResponse(res.Transaction)})
}

// CreateRefund запускает возврат.
// POST /api/v1/refunds
func (h *PaymentHandler) CreateRefund(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос на возврат")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Невалидные данные запроса"})
		return
	}

	refund, err := h.refunds.RequestRefund(ctx, domain.RefundRequest{
		AppTransID:     req.AppTransID,
		ZPTransID:      req.ZPTransID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		OrderID:        req.OrderID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		HandleError(c, err, "CreateRefund")
		return
	}

	// PROCESSING: результат будет получен проверкой возвратов
	status := http.StatusCreated
	if refund.Status == domain.RefundStatusProcessing {
		status = http.StatusAccepted
	}
	c.JSON(status, toRefundResponse(refund))
}

// GetRefund возвращает возврат.
// GET /api/v1/refunds/:mRefundId
func (h *PaymentHandler) GetRefund(c *gin.Context) {
	refund, err := h.refunds.GetRefund(c.Request.Context(), c.Param("mRefundId"))
	if err != nil {
		HandleError(c, err, "GetRefund")
		return
	}
	c.JSON(http.StatusOK, toRefundResponse(refund))
}

func toPaymentResponse(tx *domain.PaymentTransaction) PaymentResponse {
	resp := PaymentResponse{
		AppTransID:    tx.AppTransID,
		ZPTransID:     tx.ZPTransID,
		Amount:        tx.Amount,
		Status:        string(tx.Status),
		OrderIDs:      tx.OrderIDs,
		PayURL:        tx.PayURL,
		QRCode:        tx.QRCode,
		FailureReason: tx.FailureReason,
		CreatedAt:     unixMilli(tx.CreatedAt),
	}
	if tx.PaidAt != nil {
		ms := tx.PaidAt.UnixMilli()
		resp.PaidAt = &ms
	}
	return resp
}

func toRefundResponse(r *domain.RefundTransaction) RefundResponse {
	return RefundResponse{
		MRefundID:     r.MRefundID,
		AppTransID:    r.AppTransID,
		ZPTransID:     r.ZPTransID,
		RefundID:      r.RefundID,
		Amount:        r.Amount,
		Status:        string(r.Status),
		SubReturnCode: r.SubReturnCode,
		ReturnMessage: r.ReturnMessage,
		CreatedAt:     unixMilli(r.CreatedAt),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
