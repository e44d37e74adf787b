// Package callback принимает уведомления платёжного шлюза о результате оплаты.
//
// Ответ шлюзу:
//
//	return_code  1 - принято (в том числе повторное или неизвестное уведомление)
//	return_code  0 - временная ошибка, шлюз повторит уведомление
//	return_code -1 - подпись не прошла проверку, состояние не менялось
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/repository"
	"example.com/order-payment/services/payment/internal/zalopay"
)

// Коды ответа шлюзу.
const (
	ReturnSuccess  = 1
	ReturnRetry    = 0
	ReturnRejected = -1
)

// maxBodySize ограничивает тело callback.
const maxBodySize = 64 << 10

// Applier применяет результат оплаты. Реализуется service.PaymentService.
type Applier interface {
	Apply(ctx context.Context, out domain.Outcome) (domain.ApplyResult, error)
}

// Response - тело ответа шлюзу.
type Response struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}

// Handler - обработчик POST /callback.
type Handler struct {
	key2    string
	applier Applier
	logs    repository.CallbackLogRepository
}

// NewHandler создаёт обработчик. logs может быть nil, тогда журнал не ведётся.
func NewHandler(key2 string, applier Applier, logs repository.CallbackLogRepository) *Handler {
	return &Handler{key2: key2, applier: applier, logs: logs}
}

// Register регистрирует маршрут.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/callback", h.Handle)
}

// Handle проверяет подпись, применяет результат и отвечает шлюзу.
// HTTP статус всегда 200: шлюз смотрит только на return_code.
func (h *Handler) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	entry := repository.CallbackLogEntry{TraceID: logger.TraceIDFromContext(ctx)}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось прочитать тело callback")
		h.respond(c, entry, ReturnRetry, "cannot read body", err)
		return
	}
	entry.RawBody = string(body)

	var req zalopay.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		// Без data и mac подпись проверить нельзя
		log.Warn().Err(err).Msg("Некорректное тело callback")
		entry.Outcome = repository.CallbackOutcomeBadMac
		h.respond(c, entry, ReturnRejected, "invalid callback body", err)
		return
	}
	entry.Type = req.Type
	entry.Data = req.Data

	// 1. Подпись
	if err := zalopay.VerifyCallback(req, h.key2); err != nil {
		log.Warn().Err(err).Msg("Подпись callback не совпала")
		entry.Outcome = repository.CallbackOutcomeBadMac
		h.respond(c, entry, ReturnRejected, "mac not equal", err)
		return
	}
	entry.MacValid = true

	// 2. Данные
	data, err := zalopay.ParseCallbackData(req.Data)
	if err != nil {
		log.Error().Err(err).Msg("Не удалось разобрать data callback")
		entry.Outcome = repository.CallbackOutcomeBadData
		h.respond(c, entry, ReturnRetry, "invalid data", err)
		return
	}
	entry.AppTransID = data.AppTransID

	// 3. Общий идемпотентный переход
	res, err := h.applier.Apply(ctx, data.Outcome())
	switch {
	case errors.Is(err, domain.ErrTransactionNotFound):
		log.Warn().Str("app_trans_id", data.AppTransID).Msg("Callback для неизвестной транзакции")
		entry.Outcome = repository.CallbackOutcomeUnknownTx
		h.respond(c, entry, ReturnSuccess, "success", err)
	case err != nil:
		log.Error().Err(err).Str("app_trans_id", data.AppTransID).Msg("Ошибка применения callback")
		entry.Outcome = repository.CallbackOutcomeStoreFailed
		h.respond(c, entry, ReturnRetry, "internal error", err)
	default:
		entry.Outcome = repository.CallbackOutcomeNoop
		if res.Applied {
			entry.Outcome = repository.CallbackOutcomeApplied
		}
		log.Info().
			Str("app_trans_id", data.AppTransID).
			Int64("zp_trans_id", data.ZPTransID).
			Bool("applied", res.Applied).
			Msg("Callback обработан")
		h.respond(c, entry, ReturnSuccess, "success", nil)
	}
}

func (h *Handler) respond(c *gin.Context, entry repository.CallbackLogEntry, code int, message string, cause error) {
	metrics.CallbackResults.WithLabelValues(strconv.Itoa(code)).Inc()

	if h.logs != nil {
		entry.ReturnCode = code
		entry.Err = cause
		// Ошибка журнала не меняет ответ шлюзу
		if err := h.logs.Record(c.Request.Context(), entry); err != nil {
			logger.Ctx(c.Request.Context()).Error().Err(err).Msg("Не удалось записать callback в журнал")
		}
	}

	c.JSON(http.StatusOK, Response{ReturnCode: code, ReturnMessage: message})
}
