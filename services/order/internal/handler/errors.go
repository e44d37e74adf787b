// Package handler содержит HTTP API Order Service.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/paymentclient"
)

// ErrorResponse - стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleError преобразует доменную ошибку в HTTP ответ.
func HandleError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	var (
		te *domain.TransitionError
		pe *paymentclient.Error
	)

	httpStatus := http.StatusInternalServerError
	code := "internal_error"
	message := "Внутренняя ошибка сервера"

	switch {
	case errors.Is(err, domain.ErrEmptyOrderItems),
		errors.Is(err, domain.ErrInvalidUserID),
		errors.Is(err, domain.ErrInvalidProductID),
		errors.Is(err, domain.ErrInvalidProductName),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrEmptyCheckout):
		httpStatus, code, message = http.StatusBadRequest, "invalid_argument", err.Error()
	case errors.Is(err, domain.ErrOrderNotFound):
		httpStatus, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrOrderOwnerMismatch):
		httpStatus, code, message = http.StatusForbidden, "permission_denied", err.Error()
	case errors.Is(err, domain.ErrDuplicateOrder):
		httpStatus, code, message = http.StatusConflict, "already_exists", err.Error()
	case errors.As(err, &te),
		errors.Is(err, domain.ErrOrderNotPayable),
		errors.Is(err, domain.ErrOrderAlreadyPaid),
		errors.Is(err, domain.ErrPaymentInProgress),
		errors.Is(err, domain.ErrOrderNotPaid),
		errors.Is(err, domain.ErrReturnNotAllowed):
		httpStatus, code, message = http.StatusConflict, "failed_precondition", err.Error()
	case errors.As(err, &pe):
		if pe.Retryable() {
			httpStatus, code, message = http.StatusServiceUnavailable, "payment_unavailable", "Платёжный сервис временно недоступен"
		} else {
			httpStatus, code, message = http.StatusUnprocessableEntity, pe.Code, pe.Message
		}
		log.Warn().Err(err).Str("method", method).Msg("Ошибка Payment Service")
	case errors.Is(err, domain.ErrPaymentCreation):
		// Сетевая ошибка или открытый circuit breaker
		httpStatus, code, message = http.StatusServiceUnavailable, "payment_unavailable", "Платёжный сервис временно недоступен"
		log.Warn().Err(err).Str("method", method).Msg("Payment Service недоступен")
	default:
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{Error: code, Message: message})
}
