package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/repository"
	"example.com/order-payment/services/payment/internal/zalopay"
)

// RefundService - возвраты по успешным транзакциям.
type RefundService interface {
	// RequestRefund проверяет остаток, сохраняет возврат в PROCESSING и отправляет его в шлюз.
	// Ошибка шлюза не возвращается: возврат остаётся PROCESSING и будет проверен позже.
	RequestRefund(ctx context.Context, req domain.RefundRequest) (*domain.RefundTransaction, error)

	// GetRefund возвращает возврат по m_refund_id.
	GetRefund(ctx context.Context, mRefundID string) (*domain.RefundTransaction, error)

	// CheckRefund запрашивает статус возврата в шлюзе и применяет терминальный результат.
	CheckRefund(ctx context.Context, refund *domain.RefundTransaction) (bool, *domain.RefundTransaction, error)
}

type refundService struct {
	txRepo  repository.TransactionRepository
	repo    repository.RefundRepository
	gateway Gateway
	ids     IDGenerator
}

// NewRefundService создаёт сервис возвратов.
func NewRefundService(txRepo repository.TransactionRepository, repo repository.RefundRepository, gateway Gateway, ids IDGenerator) RefundService {
	return &refundService{
		txRepo:  txRepo,
		repo:    repo,
		gateway: gateway,
		ids:     ids,
	}
}

// RequestRefund выполняет возврат.
func (s *refundService) RequestRefund(ctx context.Context, req domain.RefundRequest) (*domain.RefundTransaction, error) {
	log := logger.Ctx(ctx)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Повторный запрос с тем же ключом возвращает существующий возврат
	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			log.Info().
				Str("idempotency_key", req.IdempotencyKey).
				Str("m_refund_id", existing.MRefundID).
				Msg("Возврат уже существует (идемпотентность)")
			return existing, nil
		}
		if !errors.Is(err, domain.ErrRefundNotFound) {
			return nil, err
		}
	}

	tx, err := s.loadTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionStatusSuccess || tx.ZPTransID == nil {
		return nil, domain.ErrRefundNotAllowed
	}

	refunds, err := s.repo.ListByAppTransID(ctx, tx.AppTransID)
	if err != nil {
		return nil, err
	}
	if req.Amount > domain.RefundableAmount(tx.Amount, refunds) {
		return nil, domain.ErrRefundAmountInvalid
	}

	refund := &domain.RefundTransaction{
		ID:             uuid.New().String(),
		MRefundID:      s.ids.MRefundID(),
		AppTransID:     tx.AppTransID,
		ZPTransID:      *tx.ZPTransID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		OrderID:        req.OrderID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.RefundStatusProcessing,
	}

	// Остаток перепроверяется под блокировкой строки транзакции
	if err := s.repo.CreateWithinRemainder(ctx, refund); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) && req.IdempotencyKey != "" {
			return s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}

	log.Info().
		Str("m_refund_id", refund.MRefundID).
		Str("app_trans_id", refund.AppTransID).
		Int64("amount", refund.Amount).
		Msg("Возврат создан")

	res, err := s.gateway.CreateRefund(ctx, zalopay.CreateRefundRequest{
		MRefundID:   refund.MRefundID,
		ZPTransID:   refund.ZPTransID,
		Amount:      refund.Amount,
		Description: refundDescription(refund),
	})
	if err != nil {
		log.Warn().Err(err).Str("m_refund_id", refund.MRefundID).Msg("Ошибка шлюза при возврате, статус будет проверен позже")
		return refund, nil
	}

	_, current, err := s.apply(ctx, refund.MRefundID, repository.RefundResult{
		Status:        res.Status(),
		RefundID:      res.RefundID,
		ReturnCode:    res.ReturnCode,
		SubReturnCode: res.SubReturnCode,
		ReturnMessage: res.Message,
	}, "request")
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (s *refundService) loadTransaction(ctx context.Context, req domain.RefundRequest) (*domain.PaymentTransaction, error) {
	if req.ZPTransID != 0 {
		return s.txRepo.GetByZPTransID(ctx, req.ZPTransID)
	}
	return s.txRepo.GetByAppTransID(ctx, req.AppTransID)
}

// GetRefund возвращает возврат.
func (s *refundService) GetRefund(ctx context.Context, mRefundID string) (*domain.RefundTransaction, error) {
	return s.repo.GetByMRefundID(ctx, mRefundID)
}

// CheckRefund опрашивает шлюз по возврату в PROCESSING.
func (s *refundService) CheckRefund(ctx context.Context, refund *domain.RefundTransaction) (bool, *domain.RefundTransaction, error) {
	if refund.Status.IsTerminal() {
		return false, refund, nil
	}

	res, err := s.gateway.QueryRefund(ctx, refund.MRefundID)
	if err != nil {
		return false, nil, err
	}

	return s.apply(ctx, refund.MRefundID, repository.RefundResult{
		Status:        res.Status(),
		ReturnCode:    res.ReturnCode,
		SubReturnCode: res.SubReturnCode,
		ReturnMessage: res.Message,
	}, "checker")
}

func (s *refundService) apply(ctx context.Context, mRefundID string, res repository.RefundResult, source string) (bool, *domain.RefundTransaction, error) {
	applied, current, err := s.repo.Apply(ctx, mRefundID, res, refundEvent)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("m_refund_id", mRefundID).Msg("Ошибка сохранения результата возврата")
		return false, nil, err
	}

	if applied {
		metrics.RefundTransitions.WithLabelValues(string(current.Status), source).Inc()
		logger.Ctx(ctx).Info().
			Str("m_refund_id", mRefundID).
			Str("status", string(current.Status)).
			Int("sub_return_code", current.SubReturnCode).
			Msg("Статус возврата изменён")
	}
	return applied, current, nil
}

func refundDescription(r *domain.RefundTransaction) string {
	if r.Reason != "" {
		return r.Reason
	}
	return "Refund " + r.MRefundID
}
