// Package handler содержит HTTP API Payment Service.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/services/payment/internal/domain"
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
		ve    *domain.ValidationError
		coded *domain.CodedError
		ge    *domain.GatewayError
		se    *domain.SignatureError
	)

	httpStatus := http.StatusInternalServerError
	code := "internal_error"
	message := "Внутренняя ошибка сервера"

	switch {
	case errors.As(err, &ve):
		httpStatus, code, message = http.StatusBadRequest, "invalid_argument", ve.Error()
	case errors.Is(err, domain.ErrInvalidAmount):
		httpStatus, code, message = http.StatusBadRequest, "invalid_argument", err.Error()
	case errors.Is(err, domain.ErrTransactionNotFound), errors.Is(err, domain.ErrRefundNotFound):
		httpStatus, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest):
		httpStatus, code, message = http.StatusConflict, "already_exists", err.Error()
	case errors.Is(err, domain.ErrRefundNotAllowed):
		httpStatus, code, message = http.StatusConflict, "failed_precondition", err.Error()
	case errors.Is(err, domain.ErrOrderAmountMismatch):
		httpStatus, code, message = http.StatusUnprocessableEntity, "order_amount_mismatch", err.Error()
	case errors.As(err, &coded):
		httpStatus, code, message = http.StatusUnprocessableEntity, coded.Code, coded.Message
	case errors.As(err, &ge):
		if ge.Retryable {
			httpStatus, code, message = http.StatusServiceUnavailable, "gateway_unavailable", "Платёжный шлюз временно недоступен"
		} else {
			httpStatus, code, message = http.StatusBadGateway, "gateway_rejected", ge.Message
		}
		log.Warn().Err(err).Str("method", method).Msg("Ошибка платёжного шлюза")
	case errors.As(err, &se):
		httpStatus, code = http.StatusBadGateway, "signature_error"
		log.Error().Err(err).Str("method", method).Msg("Ошибка подписи запроса")
	default:
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{Error: code, Message: message})
}
