package zalopay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/signer"
)

// Item - позиция заказа в поле item.
type Item struct {
	ItemID       string `json:"itemid"`
	ItemName     string `json:"itemname"`
	ItemPrice    int64  `json:"itemprice"`
	ItemQuantity int    `json:"itemquantity"`
}

// EmbedData - содержимое поля embed_data.
type EmbedData struct {
	RedirectURL string   `json:"redirecturl,omitempty"`
	OrderIDs    []string `json:"order_ids"`
}

// ParseEmbedData разбирает embed_data из callback или из сохранённой транзакции.
func ParseEmbedData(raw string) (EmbedData, error) {
	var ed EmbedData
	if raw == "" {
		return ed, nil
	}
	if err := json.Unmarshal([]byte(raw), &ed); err != nil {
		return ed, fmt.Errorf("embed_data не разобран: %w", err)
	}
	return ed, nil
}

// CreateOrderRequest - подготовленный запрос /v2/create.
// Items и EmbedData - JSON строки ровно в том виде, в котором они уйдут в шлюз и в подпись.
type CreateOrderRequest struct {
	AppTransID  string
	AppUser     string
	Amount      int64
	AppTime     time.Time
	Description string
	Items       string
	EmbedData   string
}

// CreateOrderResult - ответ /v2/create.
type CreateOrderResult struct {
	AppTransID   string
	OrderURL     string
	QRCode       string
	ZPTransToken string
}

type createOrderResponse struct {
	baseResponse
	OrderURL     string `json:"order_url"`
	ZPTransToken string `json:"zp_trans_token"`
	OrderToken   string `json:"order_token"`
	QRCode       string `json:"qr_code"`
}

// PrepareOrder собирает запрос: сериализует позиции и embed_data, фиксирует app_time.
// Результат сохраняется в PENDING транзакции до вызова CreateOrder.
func (c *Client) PrepareOrder(appTransID, appUser string, amount int64, description string, orderIDs []string, items []Item) (CreateOrderRequest, error) {
	if items == nil {
		items = []Item{}
	}
	itemJSON, err := json.Marshal(items)
	if err != nil {
		return CreateOrderRequest{}, fmt.Errorf("ошибка сериализации item: %w", err)
	}
	embedJSON, err := json.Marshal(EmbedData{RedirectURL: c.cfg.RedirectURL, OrderIDs: orderIDs})
	if err != nil {
		return CreateOrderRequest{}, fmt.Errorf("ошибка сериализации embed_data: %w", err)
	}

	return CreateOrderRequest{
		AppTransID:  appTransID,
		AppUser:     appUser,
		Amount:      amount,
		AppTime:     c.now(),
		Description: description,
		Items:       string(itemJSON),
		EmbedData:   string(embedJSON),
	}, nil
}

// CreateOrderMAC возвращает подпись запроса создания заказа:
// app_id|app_trans_id|app_user|amount|app_time|embed_data|item.
func (c *Client) CreateOrderMAC(req CreateOrderRequest) (string, error) {
	data, err := signer.Canonical(
		signer.I("app_id", c.cfg.AppID),
		signer.F("app_trans_id", req.AppTransID),
		signer.F("app_user", req.AppUser),
		signer.I("amount", req.Amount),
		signer.I("app_time", millis(req.AppTime)),
		signer.F("embed_data", req.EmbedData),
		signer.F("item", req.Items),
	)
	if err != nil {
		return "", err
	}
	return signer.Sign(data, c.cfg.Key1), nil
}

// CreateOrder регистрирует заказ в шлюзе и возвращает ссылку на оплату.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	mac, err := c.CreateOrderMAC(req)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("app_id", strconv.FormatInt(c.cfg.AppID, 10))
	form.Set("app_user", req.AppUser)
	form.Set("app_trans_id", req.AppTransID)
	form.Set("app_time", strconv.FormatInt(millis(req.AppTime), 10))
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("item", req.Items)
	form.Set("embed_data", req.EmbedData)
	form.Set("description", req.Description)
	form.Set("bank_code", c.cfg.BankCode)
	if c.cfg.CallbackURL != "" {
		form.Set("callback_url", c.cfg.CallbackURL)
	}
	form.Set("mac", mac)

	var resp createOrderResponse
	if err := c.post(ctx, "create_order", pathCreate, form, &resp); err != nil {
		return nil, err
	}
	if resp.ReturnCode != domain.ReturnCodeSuccess {
		return nil, resp.businessError("create_order")
	}

	return &CreateOrderResult{
		AppTransID:   req.AppTransID,
		OrderURL:     resp.OrderURL,
		QRCode:       resp.QRCode,
		ZPTransToken: resp.ZPTransToken,
	}, nil
}

// QueryOrderResult - ответ /v2/query.
type QueryOrderResult struct {
	ReturnCode    int
	SubReturnCode int
	Message       string
	IsProcessing  bool
	ZPTransID     int64
	Amount        int64
	ServerTime    time.Time
}

// Status сводит ответ к статусу транзакции.
// PENDING означает "результата ещё нет": оплата не завершена или шлюз временно
// не смог ответить (системный sub_return_code).
func (r *QueryOrderResult) Status() domain.TransactionStatus {
	switch r.ReturnCode {
	case domain.ReturnCodeSuccess:
		if r.IsProcessing {
			return domain.TransactionStatusPending
		}
		return domain.TransactionStatusSuccess
	case domain.ReturnCodeFailed:
		info := domain.ClassifySubCode(r.SubReturnCode)
		if info.Retryable() {
			return domain.TransactionStatusPending
		}
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusPending
	}
}

type queryOrderResponse struct {
	baseResponse
	IsProcessing bool  `json:"is_processing"`
	Amount       int64 `json:"amount"`
	ZPTransID    int64 `json:"zp_trans_id"`
	ServerTime   int64 `json:"server_time"`
}

// QueryOrder запрашивает статус заказа. MAC: app_id|app_trans_id|key1.
func (c *Client) QueryOrder(ctx context.Context, appTransID string) (*QueryOrderResult, error) {
	data, err := signer.Canonical(
		signer.I("app_id", c.cfg.AppID),
		signer.F("app_trans_id", appTransID),
		signer.F("key1", c.cfg.Key1),
	)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("app_id", strconv.FormatInt(c.cfg.AppID, 10))
	form.Set("app_trans_id", appTransID)
	form.Set("mac", signer.Sign(data, c.cfg.Key1))

	var resp queryOrderResponse
	if err := c.post(ctx, "query_order", pathQuery, form, &resp); err != nil {
		return nil, err
	}

	res := &QueryOrderResult{
		ReturnCode:    resp.ReturnCode,
		SubReturnCode: resp.SubReturnCode,
		Message:       resp.ReturnMessage,
		IsProcessing:  resp.IsProcessing,
		ZPTransID:     resp.ZPTransID,
		Amount:        resp.Amount,
	}
	if resp.ServerTime > 0 {
		res.ServerTime = time.UnixMilli(resp.ServerTime)
	}
	return res, nil
}
