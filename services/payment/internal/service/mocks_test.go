package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/repository"
	"example.com/order-payment/services/payment/internal/zalopay"
)

// =============================================================================
// In-memory репозитории
// =============================================================================

// mockTransactionRepository эмулирует compare-and-set статуса и запись в outbox.
// Потокобезопасен для тестов с параллельными callback.
type mockTransactionRepository struct {
	mu    sync.Mutex
	byApp map[string]*domain.PaymentTransaction

	// events - записи outbox, добавленные в "транзакции" перехода
	events []*outbox.Outbox

	createErr     error
	transitionErr error
}

func newMockTxRepo() *mockTransactionRepository {
	return &mockTransactionRepository{byApp: make(map[string]*domain.PaymentTransaction)}
}

func (m *mockTransactionRepository) put(tx *domain.PaymentTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tx
	m.byApp[tx.AppTransID] = &c
}

func (m *mockTransactionRepository) eventKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.EventType
	}
	return kinds
}

func (m *mockTransactionRepository) Create(ctx context.Context, tx *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.byApp[tx.AppTransID]; exists {
		return domain.ErrDuplicateTransaction
	}
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = tx.CreatedAt
	c := *tx
	m.byApp[tx.AppTransID] = &c
	return nil
}

func (m *mockTransactionRepository) GetByAppTransID(ctx context.Context, appTransID string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.byApp[appTransID]; ok {
		c := *tx
		return &c, nil
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *mockTransactionRepository) GetByZPTransID(ctx context.Context, zpTransID int64) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.byApp {
		if tx.ZPTransID != nil && *tx.ZPTransID == zpTransID {
			c := *tx
			return &c, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *mockTransactionRepository) SaveGatewayOrder(ctx context.Context, appTransID, payURL, qrCode, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byApp[appTransID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	tx.PayURL, tx.QRCode, tx.ZPTransToken = payURL, qrCode, token
	return nil
}

func (m *mockTransactionRepository) Transition(ctx context.Context, out domain.Outcome, from []domain.TransactionStatus, build repository.EventBuilder) (bool, *domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transitionErr != nil {
		return false, nil, m.transitionErr
	}
	tx, ok := m.byApp[out.AppTransID]
	if !ok {
		return false, nil, domain.ErrTransactionNotFound
	}

	matched := false
	for _, s := range from {
		if tx.Status == s {
			matched = true
		}
	}
	if !matched {
		c := *tx
		return false, &c, nil
	}

	next := *tx
	next.Status = out.Status
	next.ReturnCode = out.ReturnCode
	next.SubReturnCode = out.SubReturnCode
	next.UpdatedAt = time.Now()
	if out.Status == domain.TransactionStatusSuccess {
		zp := out.ZPTransID
		paidAt := out.PaidAt
		next.ZPTransID = &zp
		next.PaidAt = &paidAt
		next.FailureReason = nil
	} else {
		reason := out.Reason
		next.FailureReason = &reason
	}

	// Ошибка построения события откатывает переход
	if build != nil {
		rec, err := build(ctx, &next)
		if err != nil {
			return false, nil, err
		}
		m.events = append(m.events, rec)
	}
	m.byApp[out.AppTransID] = &next

	c := next
	return true, &c, nil
}

func (m *mockTransactionRepository) ListPendingSince(ctx context.Context, since time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return m.listPending(func(tx *domain.PaymentTransaction) bool { return !tx.CreatedAt.Before(since) }, limit), nil
}

func (m *mockTransactionRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return m.listPending(func(tx *domain.PaymentTransaction) bool { return tx.CreatedAt.Before(before) }, limit), nil
}

func (m *mockTransactionRepository) listPending(match func(*domain.PaymentTransaction) bool, limit int) []*domain.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.PaymentTransaction
	for _, tx := range m.byApp {
		if tx.Status == domain.TransactionStatusPending && match(tx) && len(result) < limit {
			c := *tx
			result = append(result, &c)
		}
	}
	return result
}

// mockRefundRepository проверяет остаток по данным mockTransactionRepository.
type mockRefundRepository struct {
	mu      sync.Mutex
	txs     *mockTransactionRepository
	refunds map[string]*domain.RefundTransaction
	events  []*outbox.Outbox
}

func newMockRefundRepo(txs *mockTransactionRepository) *mockRefundRepository {
	return &mockRefundRepository{txs: txs, refunds: make(map[string]*domain.RefundTransaction)}
}

func (m *mockRefundRepository) CreateWithinRemainder(ctx context.Context, refund *domain.RefundTransaction) error {
	tx, err := m.txs.GetByAppTransID(ctx, refund.AppTransID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Status != domain.TransactionStatusSuccess {
		return domain.ErrRefundNotAllowed
	}
	var existing []*domain.RefundTransaction
	for _, r := range m.refunds {
		if r.IdempotencyKey != "" && r.IdempotencyKey == refund.IdempotencyKey {
			return domain.ErrDuplicateRequest
		}
		if r.AppTransID == refund.AppTransID {
			existing = append(existing, r)
		}
	}
	if refund.Amount > domain.RefundableAmount(tx.Amount, existing) {
		return domain.ErrRefundAmountInvalid
	}

	refund.CreatedAt = time.Now()
	refund.UpdatedAt = refund.CreatedAt
	c := *refund
	m.refunds[refund.MRefundID] = &c
	return nil
}

func (m *mockRefundRepository) GetByMRefundID(ctx context.Context, mRefundID string) (*domain.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.refunds[mRefundID]; ok {
		c := *r
		return &c, nil
	}
	return nil, domain.ErrRefundNotFound
}

func (m *mockRefundRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.refunds {
		if r.IdempotencyKey == key {
			c := *r
			return &c, nil
		}
	}
	return nil, domain.ErrRefundNotFound
}

func (m *mockRefundRepository) ListByAppTransID(ctx context.Context, appTransID string) ([]*domain.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.RefundTransaction
	for _, r := range m.refunds {
		if r.AppTransID == appTransID {
			c := *r
			result = append(result, &c)
		}
	}
	return result, nil
}

func (m *mockRefundRepository) ListProcessing(ctx context.Context, limit int) ([]*domain.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.RefundTransaction
	for _, r := range m.refunds {
		if r.Status == domain.RefundStatusProcessing && len(result) < limit {
			c := *r
			result = append(result, &c)
		}
	}
	return result, nil
}

func (m *mockRefundRepository) Apply(ctx context.Context, mRefundID string, res repository.RefundResult, build repository.RefundEventBuilder) (bool, *domain.RefundTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.refunds[mRefundID]
	if !ok {
		return false, nil, domain.ErrRefundNotFound
	}
	if r.Status != domain.RefundStatusProcessing {
		c := *r
		return false, &c, nil
	}

	r.ReturnCode = res.ReturnCode
	r.SubReturnCode = res.SubReturnCode
	r.ReturnMessage = res.ReturnMessage
	if res.RefundID != 0 {
		id := res.RefundID
		r.RefundID = &id
	}
	if !res.Status.IsTerminal() {
		c := *r
		return false, &c, nil
	}

	now := time.Now()
	r.Status = res.Status
	r.CompletedAt = &now
	rec, err := build(ctx, r)
	if err != nil {
		return false, nil, err
	}
	m.events = append(m.events, rec)

	c := *r
	return true, &c, nil
}

// =============================================================================
// Шлюз
// =============================================================================

// mockGateway возвращает заранее заданные ответы и считает вызовы.
type mockGateway struct {
	mu sync.Mutex

	createResult *zalopay.CreateOrderResult
	createErr    error
	queryResult  *zalopay.QueryOrderResult
	queryErr     error
	refundResult *zalopay.CreateRefundResult
	refundErr    error
	qRefund      *zalopay.QueryRefundResult
	qRefundErr   error

	createCalls int
	queryCalls  int
	refundCalls int
}

func (g *mockGateway) PrepareOrder(appTransID, appUser string, amount int64, description string, orderIDs []string, items []zalopay.Item) (zalopay.CreateOrderRequest, error) {
	return zalopay.CreateOrderRequest{
		AppTransID:  appTransID,
		AppUser:     appUser,
		Amount:      amount,
		AppTime:     time.Now(),
		Description: description,
		Items:       "[]",
		EmbedData:   `{"order_ids":[]}`,
	}, nil
}

func (g *mockGateway) CreateOrder(ctx context.Context, req zalopay.CreateOrderRequest) (*zalopay.CreateOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.createResult != nil {
		return g.createResult, nil
	}
	return &zalopay.CreateOrderResult{AppTransID: req.AppTransID, OrderURL: "https://pay/" + req.AppTransID}, nil
}

func (g *mockGateway) QueryOrder(ctx context.Context, appTransID string) (*zalopay.QueryOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryResult, g.queryErr
}

func (g *mockGateway) CreateRefund(ctx context.Context, req zalopay.CreateRefundRequest) (*zalopay.CreateRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return g.refundResult, nil
}

func (g *mockGateway) QueryRefund(ctx context.Context, mRefundID string) (*zalopay.QueryRefundResult, error) {
	return g.qRefund, g.qRefundErr
}

// sequenceIDs выдаёт предсказуемые идентификаторы.
type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) AppTransID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "240115_" + strconv.Itoa(s.n)
}

func (s *sequenceIDs) MRefundID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "240115_2553_" + strconv.Itoa(s.n)
}
