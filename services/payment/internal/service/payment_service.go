// Package service содержит бизнес-логику Payment Service.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/repository"
	"example.com/order-payment/services/payment/internal/zalopay"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// idempotencyKeyPrefix - префикс для ключей идемпотентности в Redis.
	idempotencyKeyPrefix = "payment:idempotency:"

	// idempotencyProcessing - значение ключа, пока запрос выполняется.
	idempotencyProcessing = "processing"

	// orderAmountKeyPrefix - суммы заказов из события order.created.
	orderAmountKeyPrefix = "order:amount:"

	orderAmountTTL = 24 * time.Hour
)

// Config - параметры сервиса платежей.
type Config struct {
	// Expiry - срок жизни платёжной сессии.
	Expiry            time.Duration
	LateSuccessPolicy domain.LateSuccessPolicy
	IdempotencyTTL    time.Duration
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Expiry:            15 * time.Minute,
		LateSuccessPolicy: domain.LateSuccessIgnore,
		IdempotencyTTL:    24 * time.Hour,
	}
}

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// CreatePaymentRequest - запрос на создание платежа по набору заказов.
type CreatePaymentRequest struct {
	AppUser        string
	Amount         int64
	Description    string
	OrderIDs       []string
	Items          []zalopay.Item
	IdempotencyKey string // Опционально
}

// CreatePaymentResult - результат создания платежа.
type CreatePaymentResult struct {
	Transaction   *domain.PaymentTransaction
	AlreadyExists bool // true если транзакция найдена по ключу идемпотентности
}

// PaymentService - интерфейс бизнес-логики платежей.
type PaymentService interface {
	// CreatePayment создаёт транзакцию в PENDING и заказ в шлюзе.
	// Транзакция сохраняется до обращения к шлюзу.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error)

	// GetPayment возвращает транзакцию по app_trans_id.
	GetPayment(ctx context.Context, appTransID string) (*domain.PaymentTransaction, error)

	// Apply применяет терминальный результат оплаты.
	// Общая точка для callback, сверки и ручной синхронизации: повторный
	// результат не меняет состояние и не порождает второго события.
	Apply(ctx context.Context, out domain.Outcome) (domain.ApplyResult, error)

	// Reconcile запрашивает статус транзакции в шлюзе и применяет результат.
	// PENDING транзакция старше срока сессии переводится в EXPIRED.
	Reconcile(ctx context.Context, tx *domain.PaymentTransaction, source domain.OutcomeSource) (domain.ApplyResult, error)

	// SyncPayment - Reconcile по запросу для одной транзакции.
	SyncPayment(ctx context.Context, appTransID string) (domain.ApplyResult, error)

	// CacheOrderAmount запоминает сумму заказа для сверки при создании платежа.
	CacheOrderAmount(ctx context.Context, orderID string, amount int64) error
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// paymentService - реализация PaymentService.
type paymentService struct {
	repo    repository.TransactionRepository
	gateway Gateway
	ids     IDGenerator
	redis   *redis.Client
	cfg     Config
	now     func() time.Time
}

// NewPaymentService создаёт новый сервис платежей.
func NewPaymentService(repo repository.TransactionRepository, gateway Gateway, ids IDGenerator, redisClient *redis.Client, cfg Config) PaymentService {
	if cfg.LateSuccessPolicy == "" {
		cfg.LateSuccessPolicy = domain.LateSuccessIgnore
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &paymentService{
		repo:    repo,
		gateway: gateway,
		ids:     ids,
		redis:   redisClient,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreatePayment создаёт платёж с идемпотентностью по ключу клиента.
func (s *paymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	log := logger.Ctx(ctx)

	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if len(req.OrderIDs) == 0 {
		return nil, domain.NewValidationError("order_ids", "нужен хотя бы один заказ")
	}

	// 1. Идемпотентность через Redis (SETNX с TTL)
	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = idempotencyKeyPrefix + req.IdempotencyKey
		existing, err := s.acquireIdempotency(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info().
				Str("idempotency_key", req.IdempotencyKey).
				Str("app_trans_id", existing.AppTransID).
				Msg("Платёж уже существует (идемпотентность)")
			return &CreatePaymentResult{Transaction: existing, AlreadyExists: true}, nil
		}
	}

	tx, err := s.createPayment(ctx, req)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey)
		return nil, err
	}

	if idemKey != "" {
		if err := s.redis.Set(ctx, idemKey, tx.AppTransID, s.cfg.IdempotencyTTL).Err(); err != nil {
			log.Error().Err(err).Str("app_trans_id", tx.AppTransID).Msg("Ошибка сохранения ключа идемпотентности")
		}
	}

	return &CreatePaymentResult{Transaction: tx}, nil
}

func (s *paymentService) createPayment(ctx context.Context, req CreatePaymentRequest) (*domain.PaymentTransaction, error) {
	log := logger.Ctx(ctx)

	// 2. Сумма должна совпадать с суммой заказов, если они известны
	if err := s.checkOrderAmount(ctx, req.OrderIDs, req.Amount); err != nil {
		return nil, err
	}

	// 3. app_trans_id генерируется локально, запрос подписывается по сохранённым полям
	appTransID := s.ids.AppTransID()
	prepared, err := s.gateway.PrepareOrder(appTransID, req.AppUser, req.Amount, req.Description, req.OrderIDs, req.Items)
	if err != nil {
		return nil, err
	}

	tx := &domain.PaymentTransaction{
		ID:          uuid.New().String(),
		AppTransID:  appTransID,
		AppUser:     req.AppUser,
		Amount:      req.Amount,
		Description: req.Description,
		Items:       prepared.Items,
		EmbedData:   prepared.EmbedData,
		OrderIDs:    req.OrderIDs,
		Status:      domain.TransactionStatusPending,
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	// 4. PENDING сохраняется до обращения к шлюзу
	if err := s.repo.Create(ctx, tx); err != nil {
		log.Error().Err(err).Str("app_trans_id", appTransID).Msg("Ошибка сохранения транзакции")
		return nil, err
	}

	// 5. Заказ в шлюзе
	res, err := s.gateway.CreateOrder(ctx, prepared)
	if err != nil {
		if domain.IsRetryableGatewayError(err) {
			// Транзакция остаётся PENDING, сверка доведёт её до терминального статуса
			log.Warn().Err(err).Str("app_trans_id", appTransID).Msg("Шлюз недоступен при создании заказа")
			return nil, err
		}

		out := domain.Outcome{
			AppTransID: appTransID,
			Status:     domain.TransactionStatusFailed,
			Reason:     err.Error(),
			Source:     domain.SourceCreate,
		}
		var ge *domain.GatewayError
		if errors.As(err, &ge) {
			out.ReturnCode = ge.Code
			out.SubReturnCode = ge.SubCode
			out.Reason = ge.Message
		}
		if _, applyErr := s.Apply(ctx, out); applyErr != nil {
			log.Error().Err(applyErr).Str("app_trans_id", appTransID).Msg("Ошибка перевода транзакции в FAILED")
		}
		log.Warn().Err(err).Str("app_trans_id", appTransID).Msg("Шлюз отклонил создание заказа")
		return nil, err
	}

	if err := s.repo.SaveGatewayOrder(ctx, appTransID, res.OrderURL, res.QRCode, res.ZPTransToken); err != nil {
		log.Error().Err(err).Str("app_trans_id", appTransID).Msg("Ошибка сохранения ссылки на оплату")
		return nil, err
	}
	tx.PayURL = res.OrderURL
	tx.QRCode = res.QRCode
	tx.ZPTransToken = res.ZPTransToken

	log.Info().
		Str("app_trans_id", appTransID).
		Int64("amount", req.Amount).
		Strs("order_ids", req.OrderIDs).
		Msg("Платёж создан")

	return tx, nil
}

// acquireIdempotency возвращает существующую транзакцию, если ключ уже использован.
// При недоступности Redis запрос продолжается: уникальность app_trans_id защищает БД.
func (s *paymentService) acquireIdempotency(ctx context.Context, key string) (*domain.PaymentTransaction, error) {
	log := logger.Ctx(ctx)

	wasSet, err := s.redis.SetNX(ctx, key, idempotencyProcessing, s.cfg.IdempotencyTTL).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Ошибка Redis при проверке идемпотентности")
		return nil, nil
	}
	if wasSet {
		return nil, nil
	}

	value, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Ошибка чтения ключа идемпотентности")
		return nil, nil
	}
	if value == idempotencyProcessing {
		return nil, domain.ErrDuplicateRequest
	}

	existing, err := s.repo.GetByAppTransID(ctx, value)
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *paymentService) releaseIdempotency(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", key).Msg("Ошибка удаления ключа идемпотентности")
	}
}

// checkOrderAmount сверяет сумму платежа с суммами заказов из order.created.
// Если сумма хотя бы одного заказа неизвестна, проверка пропускается.
func (s *paymentService) checkOrderAmount(ctx context.Context, orderIDs []string, amount int64) error {
	keys := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		keys[i] = orderAmountKeyPrefix + id
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("Суммы заказов недоступны, сверка пропущена")
		return nil
	}

	var total int64
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil
		}
		total += n
	}

	if total != amount {
		logger.Ctx(ctx).Warn().
			Int64("amount", amount).
			Int64("orders_total", total).
			Strs("order_ids", orderIDs).
			Msg("Сумма платежа не совпадает с суммой заказов")
		return domain.ErrOrderAmountMismatch
	}
	return nil
}

// CacheOrderAmount запоминает сумму заказа.
func (s *paymentService) CacheOrderAmount(ctx context.Context, orderID string, amount int64) error {
	return s.redis.Set(ctx, orderAmountKeyPrefix+orderID, amount, orderAmountTTL).Err()
}

// GetPayment возвращает транзакцию.
func (s *paymentService) GetPayment(ctx context.Context, appTransID string) (*domain.PaymentTransaction, error) {
	return s.repo.GetByAppTransID(ctx, appTransID)
}

// Apply применяет результат оплаты через compare-and-set статуса.
func (s *paymentService) Apply(ctx context.Context, out domain.Outcome) (domain.ApplyResult, error) {
	log := logger.Ctx(ctx)

	if err := out.Validate(); err != nil {
		return domain.ApplyResult{}, err
	}

	from := []domain.TransactionStatus{domain.TransactionStatusPending}
	if out.Status == domain.TransactionStatusSuccess && s.cfg.LateSuccessPolicy == domain.LateSuccessHonor {
		from = append(from, domain.TransactionStatusExpired)
	}

	applied, tx, err := s.repo.Transition(ctx, out, from, paymentEvent)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			log.Warn().Str("app_trans_id", out.AppTransID).Str("source", string(out.Source)).Msg("Результат оплаты для неизвестной транзакции")
		} else {
			log.Error().Err(err).Str("app_trans_id", out.AppTransID).Msg("Ошибка применения результата оплаты")
		}
		return domain.ApplyResult{}, err
	}

	if applied {
		metrics.PaymentTransitions.WithLabelValues(string(tx.Status), string(out.Source)).Inc()
		log.Info().
			Str("app_trans_id", tx.AppTransID).
			Str("status", string(tx.Status)).
			Str("source", string(out.Source)).
			Msg("Статус платежа изменён")
		return domain.ApplyResult{Applied: true, Transaction: tx}, nil
	}

	reason := "already_terminal"
	event := log.Info()
	if out.Status == domain.TransactionStatusSuccess && tx.Status == domain.TransactionStatusExpired {
		reason = "late_success"
		event = log.Warn()
	}
	metrics.PaymentNoops.WithLabelValues(reason, string(out.Source)).Inc()
	event.
		Str("app_trans_id", tx.AppTransID).
		Str("current_status", string(tx.Status)).
		Str("outcome", string(out.Status)).
		Str("source", string(out.Source)).
		Str("reason", reason).
		Msg("Результат оплаты не изменил статус")

	return domain.ApplyResult{Applied: false, Transaction: tx}, nil
}

// Reconcile сверяет транзакцию со шлюзом.
func (s *paymentService) Reconcile(ctx context.Context, tx *domain.PaymentTransaction, source domain.OutcomeSource) (domain.ApplyResult, error) {
	if tx.Status.IsTerminal() {
		return domain.ApplyResult{Transaction: tx}, nil
	}

	expired := tx.IsExpired(s.now(), s.cfg.Expiry)

	res, err := s.gateway.QueryOrder(ctx, tx.AppTransID)
	if err != nil {
		// Окончательный отказ шлюза по просроченной сессии закрывает транзакцию
		if expired && !domain.IsRetryableGatewayError(err) {
			return s.Apply(ctx, domain.Outcome{
				AppTransID: tx.AppTransID,
				Status:     domain.TransactionStatusExpired,
				Reason:     "payment session expired: " + err.Error(),
				Source:     source,
			})
		}
		return domain.ApplyResult{}, err
	}

	switch res.Status() {
	case domain.TransactionStatusSuccess:
		if res.Amount != 0 && res.Amount != tx.Amount {
			logger.Ctx(ctx).Warn().
				Str("app_trans_id", tx.AppTransID).
				Int64("amount", tx.Amount).
				Int64("gateway_amount", res.Amount).
				Msg("Сумма в шлюзе отличается от суммы транзакции")
		}
		return s.Apply(ctx, domain.SuccessOutcome(tx.AppTransID, res.ZPTransID, res.ServerTime, source))
	case domain.TransactionStatusFailed:
		return s.Apply(ctx, domain.Outcome{
			AppTransID:    tx.AppTransID,
			Status:        domain.TransactionStatusFailed,
			ReturnCode:    res.ReturnCode,
			SubReturnCode: res.SubReturnCode,
			Reason:        res.Message,
			Source:        source,
		})
	}

	if expired {
		return s.Apply(ctx, domain.Outcome{
			AppTransID:    tx.AppTransID,
			Status:        domain.TransactionStatusExpired,
			ReturnCode:    res.ReturnCode,
			SubReturnCode: res.SubReturnCode,
			Reason:        "payment session expired",
			Source:        source,
		})
	}

	return domain.ApplyResult{Transaction: tx}, nil
}

// SyncPayment сверяет одну транзакцию по запросу.
func (s *paymentService) SyncPayment(ctx context.Context, appTransID string) (domain.ApplyResult, error) {
	tx, err := s.repo.GetByAppTransID(ctx, appTransID)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	return s.Reconcile(ctx, tx, domain.SourceSync)
}
