package zalopay

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/signer"
)

// Тип callback: 1 - результат оплаты заказа, 2 - результат оплаты через агрегатор.
const (
	CallbackTypeOrder     = 1
	CallbackTypeAgreement = 2
)

// CallbackRequest - тело POST /callback.
type CallbackRequest struct {
	Data string `json:"data"`
	Mac  string `json:"mac"`
	Type int    `json:"type"`
}

// CallbackData - разобранное поле data.
type CallbackData struct {
	AppID          int64  `json:"app_id"`
	AppTransID     string `json:"app_trans_id"`
	AppTime        int64  `json:"app_time"`
	AppUser        string `json:"app_user"`
	Amount         int64  `json:"amount"`
	EmbedData      string `json:"embed_data"`
	Item           string `json:"item"`
	ZPTransID      int64  `json:"zp_trans_id"`
	ServerTime     int64  `json:"server_time"`
	Channel        int    `json:"channel"`
	MerchantUserID string `json:"merchant_user_id"`
	UserFeeAmount  int64  `json:"user_fee_amount"`
	DiscountAmount int64  `json:"discount_amount"`
	// Status передаётся только в уведомлениях о неуспешной оплате (return_code шлюза).
	Status *int `json:"status,omitempty"`
}

// PaidAt возвращает время оплаты по server_time шлюза.
func (d *CallbackData) PaidAt() time.Time {
	if d.ServerTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.ServerTime)
}

// Outcome переводит callback в результат оплаты.
// Шлюз присылает callback только об успешной оплате; явный status != 1 означает отказ.
func (d *CallbackData) Outcome() domain.Outcome {
	if d.Status != nil && *d.Status != domain.ReturnCodeSuccess {
		return domain.Outcome{
			AppTransID: d.AppTransID,
			Status:     domain.TransactionStatusFailed,
			ReturnCode: *d.Status,
			Reason:     "шлюз сообщил об отказе в callback",
			Source:     domain.SourceCallback,
		}
	}
	return domain.SuccessOutcome(d.AppTransID, d.ZPTransID, d.PaidAt(), domain.SourceCallback)
}

// VerifyCallback проверяет подпись data ключом key2.
func (c *Client) VerifyCallback(req CallbackRequest) error {
	return VerifyCallback(req, c.cfg.Key2)
}

// VerifyCallback проверяет подпись data ключом key2.
func VerifyCallback(req CallbackRequest, key2 string) error {
	if req.Data == "" || req.Mac == "" {
		return &domain.SignatureError{Reason: "пустые data или mac"}
	}
	if !signer.Verify(req.Data, key2, req.Mac) {
		return &domain.SignatureError{Reason: "mac not equal"}
	}
	return nil
}

// ParseCallbackData разбирает data после успешной проверки подписи.
func ParseCallbackData(data string) (*CallbackData, error) {
	var d CallbackData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("data callback не разобран: %w", err)
	}
	if d.AppTransID == "" {
		return nil, domain.NewValidationError("app_trans_id", "отсутствует в data")
	}
	return &d, nil
}
