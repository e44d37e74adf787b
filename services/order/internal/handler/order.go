package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/service"
)

// OrderHandler - обработчик заказов.
type OrderHandler struct {
	orders service.OrderService
}

// NewOrderHandler создаёт обработчик.
func NewOrderHandler(orders service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// === Request/Response DTOs ===

// CreateOrderRequest - запрос на создание заказа.
type CreateOrderRequest struct {
	UserID         string             `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// OrderItemRequest - позиция заказа.
type OrderItemRequest struct {
	ProductID   string `json:"product_id" binding:"required"`
	ProductName string `json:"product_name" binding:"required"`
	Quantity    int32  `json:"quantity" binding:"min=1"`
	UnitPrice   int64  `json:"unit_price" binding:"min=1"`
}

// CheckoutRequest - оплата нескольких заказов одной транзакцией.
type CheckoutRequest struct {
	UserID         string   `json:"user_id" binding:"required"`
	OrderIDs       []string `json:"order_ids" binding:"required,min=1,dive,required"`
	IdempotencyKey string   `json:"idempotency_key"`
	Description    string   `json:"description" binding:"max=256"`
}

// ChangeStatusRequest - смена статуса заказа.
type ChangeStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason" binding:"max=255"`
}

// OrderItemResponse - позиция в ответе.
type OrderItemResponse struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// OrderResponse - заказ в ответе.
type OrderResponse struct {
	ID                   string              `json:"id"`
	UserID               string              `json:"user_id"`
	Items                []OrderItemResponse `json:"items"`
	TotalAmount          int64               `json:"total_amount"`
	Status               string              `json:"status"`
	PaymentStatus        string              `json:"payment_status"`
	PaymentTransactionID *string             `json:"payment_transaction_id,omitempty"`
	Note                 string              `json:"note,omitempty"`
	ReturnReason         string              `json:"return_reason,omitempty"`
	CreatedAt            int64               `json:"created_at"`
	UpdatedAt            int64               `json:"updated_at"`
}

// ListOrdersResponse - страница заказов.
type ListOrdersResponse struct {
	Orders   []OrderResponse `json:"orders"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// CheckoutResponse - созданная транзакция.
type CheckoutResponse struct {
	AppTransID    string          `json:"app_trans_id"`
	Amount        int64           `json:"amount"`
	PayURL        string          `json:"order_url,omitempty"`
	QRCode        string          `json:"qr_code,omitempty"`
	AlreadyExists bool            `json:"already_exists,omitempty"`
	Orders        []OrderResponse `json:"orders"`
}

// === Handlers ===

// CreateOrder создаёт заказ.
// POST /api/v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос на создание заказа")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Невалидные данные запроса"})
		return
	}

	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.OrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}

	order, err := h.orders.CreateOrder(ctx, req.UserID, req.IdempotencyKey, items)
	if err != nil {
		HandleError(c, err, "CreateOrder")
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает заказ.
// GET /api/v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err, "GetOrder")
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

// ListOrders возвращает заказы пользователя.
// GET /api/v1/orders?user_id=...&status=...&page=...&page_size=...
func (h *OrderHandler) ListOrders(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Не указан user_id"})
		return
	}

	var status *domain.OrderStatus
	if raw := c.Query("status"); raw != "" {
		st, err := domain.ParseOrderStatus(raw)
		if err != nil {
			HandleError(c, err, "ListOrders")
			return
		}
		status = &st
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	orders, total, err := h.orders.ListOrders(c.Request.Context(), userID, status, page, pageSize)
	if err != nil {
		HandleError(c, err, "ListOrders")
		return
	}

	resp := ListOrdersResponse{Orders: make([]OrderResponse, len(orders)), Total: total, Page: page, PageSize: pageSize}
	for i, o := range orders {
		resp.Orders[i] = toOrderResponse(o)
	}
	c.JSON(http.StatusOK, resp)
}

// Checkout создаёт платёж на набор заказов.
// POST /api/v1/orders/checkout
func (h *OrderHandler) Checkout(c *gin.Context) {
	ctx := c.Request.Context()

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("Невалидный запрос на оплату")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Невалидные данные запроса"})
		return
	}

	res, err := h.orders.Checkout(ctx, service.CheckoutRequest{
		UserID:         req.UserID,
		OrderIDs:       req.OrderIDs,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		HandleError(c, err, "Checkout")
		return
	}

	resp := CheckoutResponse{
		AppTransID:    res.AppTransID,
		Amount:        res.Amount,
		PayURL:        res.PayURL,
		QRCode:        res.QRCode,
		AlreadyExists: res.AlreadyExists,
		Orders:        make([]OrderResponse, len(res.Orders)),
	}
	for i, o := range res.Orders {
		resp.Orders[i] = toOrderResponse(o)
	}
	status := http.StatusCreated
	if res.AlreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// ChangeStatus меняет статус заказа.
// POST /api/v1/orders/:id/status
func (h *OrderHandler) ChangeStatus(c *gin.Context) {
	var req ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Невалидные данные запроса"})
		return
	}
	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		HandleError(c, err, "ChangeStatus")
		return
	}

	order, err := h.orders.ChangeStatus(c.Request.Context(), c.Param("id"), to, req.Reason)
	if err != nil {
		HandleError(c, err, "ChangeStatus")
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func toOrderResponse(o *domain.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		}
	}
	return OrderResponse{
		ID:                   o.ID,
		UserID:               o.UserID,
		Items:                items,
		TotalAmount:          o.TotalAmount,
		Status:               string(o.Status),
		PaymentStatus:        string(o.PaymentStatus),
		PaymentTransactionID: o.PaymentTransactionID,
		Note:                 o.Note,
		ReturnReason:         o.ReturnReason,
		CreatedAt:            o.CreatedAt.UnixMilli(),
		UpdatedAt:            o.UpdatedAt.UnixMilli(),
	}
}
