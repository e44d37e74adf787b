package zalopay

import (
	"context"
	"net/url"
	"strconv"

	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/signer"
)

// CreateRefundRequest - запрос /v2/refund.
type CreateRefundRequest struct {
	MRefundID   string
	ZPTransID   int64
	Amount      int64
	Description string
}

// CreateRefundResult - ответ /v2/refund.
type CreateRefundResult struct {
	MRefundID     string
	RefundID      int64
	ReturnCode    int
	SubReturnCode int
	Message       string
}

// Status сводит ответ к статусу возврата.
func (r *CreateRefundResult) Status() domain.RefundStatus {
	return refundStatus(r.ReturnCode, r.SubReturnCode)
}

// QueryRefundResult - ответ /v2/query_refund.
type QueryRefundResult struct {
	ReturnCode    int
	SubReturnCode int
	Message       string
}

// Status сводит ответ к статусу возврата.
func (r *QueryRefundResult) Status() domain.RefundStatus {
	return refundStatus(r.ReturnCode, r.SubReturnCode)
}

// refundStatus: 1 - SUCCESS, 2 - FAILED, 3 и системные ошибки - PROCESSING.
func refundStatus(returnCode, subCode int) domain.RefundStatus {
	switch returnCode {
	case domain.ReturnCodeSuccess:
		return domain.RefundStatusSuccess
	case domain.ReturnCodeFailed:
		if domain.ClassifySubCode(subCode).Retryable() {
			return domain.RefundStatusProcessing
		}
		return domain.RefundStatusFailed
	default:
		return domain.RefundStatusProcessing
	}
}

type createRefundResponse struct {
	baseResponse
	RefundID int64 `json:"refund_id"`
}

// CreateRefund отправляет возврат. MAC: app_id|zp_trans_id|amount|description|timestamp.
func (c *Client) CreateRefund(ctx context.Context, req CreateRefundRequest) (*CreateRefundResult, error) {
	ts := millis(c.now())

	data, err := signer.Canonical(
		signer.I("app_id", c.cfg.AppID),
		signer.I("zp_trans_id", req.ZPTransID),
		signer.I("amount", req.Amount),
		signer.F("description", req.Description),
		signer.I("timestamp", ts),
	)
	if err != nil {
		return nil, err
	}
	if req.MRefundID == "" {
		return nil, &domain.SignatureError{Reason: "не заполнено поле m_refund_id"}
	}

	form := url.Values{}
	form.Set("m_refund_id", req.MRefundID)
	form.Set("app_id", strconv.FormatInt(c.cfg.AppID, 10))
	form.Set("zp_trans_id", strconv.FormatInt(req.ZPTransID, 10))
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("timestamp", strconv.FormatInt(ts, 10))
	form.Set("description", req.Description)
	form.Set("mac", signer.Sign(data, c.cfg.Key1))

	var resp createRefundResponse
	if err := c.post(ctx, "refund", pathRefund, form, &resp); err != nil {
		return nil, err
	}

	return &CreateRefundResult{
		MRefundID:     req.MRefundID,
		RefundID:      resp.RefundID,
		ReturnCode:    resp.ReturnCode,
		SubReturnCode: resp.SubReturnCode,
		Message:       firstNonEmpty(resp.SubReturnMessage, resp.ReturnMessage),
	}, nil
}

// QueryRefund запрашивает статус возврата. MAC: app_id|m_refund_id|timestamp.
func (c *Client) QueryRefund(ctx context.Context, mRefundID string) (*QueryRefundResult, error) {
	ts := millis(c.now())

	data, err := signer.Canonical(
		signer.I("app_id", c.cfg.AppID),
		signer.F("m_refund_id", mRefundID),
		signer.I("timestamp", ts),
	)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("app_id", strconv.FormatInt(c.cfg.AppID, 10))
	form.Set("m_refund_id", mRefundID)
	form.Set("timestamp", strconv.FormatInt(ts, 10))
	form.Set("mac", signer.Sign(data, c.cfg.Key1))

	var resp baseResponse
	if err := c.post(ctx, "query_refund", pathQueryRefund, form, &resp); err != nil {
		return nil, err
	}

	return &QueryRefundResult{
		ReturnCode:    resp.ReturnCode,
		SubReturnCode: resp.SubReturnCode,
		Message:       firstNonEmpty(resp.SubReturnMessage, resp.ReturnMessage),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
