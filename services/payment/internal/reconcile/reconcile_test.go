package reconcile

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/services/payment/internal/domain"
)

var baseNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeLister фильтрует транзакции по created_at, как SQL выборка.
type fakeLister struct {
	txs     []*domain.PaymentTransaction
	listErr error
}

func (f *fakeLister) ListPendingSince(ctx context.Context, since time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.PaymentTransaction
	for _, tx := range f.txs {
		if !tx.CreatedAt.Before(since) && len(out) < limit {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeLister) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	var out []*domain.PaymentTransaction
	for _, tx := range f.txs {
		if tx.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, tx)
		}
	}
	return out, nil
}

type fakePayments struct {
	mu      sync.Mutex
	seen    []string
	fail    map[string]error
	applied map[string]bool
}

func (f *fakePayments) Reconcile(ctx context.Context, tx *domain.PaymentTransaction, source domain.OutcomeSource) (domain.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, tx.AppTransID)
	if err := f.fail[tx.AppTransID]; err != nil {
		return domain.ApplyResult{}, err
	}
	return domain.ApplyResult{Applied: f.applied[tx.AppTransID], Transaction: tx}, nil
}

func pendingAt(id string, age time.Duration) *domain.PaymentTransaction {
	return &domain.PaymentTransaction{AppTransID: id, Status: domain.TransactionStatusPending, CreatedAt: baseNow.Add(-age)}
}

func newTestReconciler(lister PendingLister, payments PaymentReconciler) *Reconciler {
	r := NewReconciler(lister, payments, Config{Expiry: 15 * time.Minute, Delay: time.Minute, Batch: 10})
	r.now = func() time.Time { return baseNow }
	return r
}

func TestReconciler_LookbackCoversExpiryBoundary(t *testing.T) {
	// Транзакция пересекла срок между прогонами: 15m30s > expiry, но < expiry + delay
	crossing := pendingAt("240115_crossing", 15*time.Minute+30*time.Second)
	fresh := pendingAt("240115_fresh", time.Minute)

	payments := &fakePayments{applied: map[string]bool{"240115_crossing": true}}
	r := newTestReconciler(&fakeLister{txs: []*domain.PaymentTransaction{crossing, fresh}}, payments)

	assert.Equal(t, 16*time.Minute, r.Lookback())

	stats, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"240115_crossing", "240115_fresh"}, payments.seen)
	assert.Equal(t, Stats{Checked: 2, Applied: 1}, stats)
}

func TestReconciler_SweepsStaleTransactions(t *testing.T) {
	stale := pendingAt("240115_stale", 3*time.Hour)
	payments := &fakePayments{applied: map[string]bool{"240115_stale": true}}
	r := newTestReconciler(&fakeLister{txs: []*domain.PaymentTransaction{stale}}, payments)

	stats, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"240115_stale"}, payments.seen)
	assert.Equal(t, 1, stats.Applied)
}

func TestReconciler_ContinuesAfterFailure(t *testing.T) {
	a := pendingAt("240115_a", time.Minute)
	b := pendingAt("240115_b", 2*time.Minute)
	payments := &fakePayments{fail: map[string]error{
		"240115_a": &domain.GatewayError{Op: "query_order", Retryable: true},
	}}
	r := newTestReconciler(&fakeLister{txs: []*domain.PaymentTransaction{a, b}}, payments)

	stats, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, payments.seen, 2)
	assert.Equal(t, 1, stats.Failed)
}

func TestReconciler_ListErrorReturned(t *testing.T) {
	r := newTestReconciler(&fakeLister{listErr: errors.New("db down")}, &fakePayments{})

	_, err := r.Tick(context.Background())
	assert.Error(t, err)
	assert.Error(t, r.Task()(context.Background()))
}

func TestReconciler_StopsOnCancel(t *testing.T) {
	a := pendingAt("240115_a", time.Minute)
	payments := &fakePayments{}
	r := newTestReconciler(&fakeLister{txs: []*domain.PaymentTransaction{a}}, payments)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, payments.seen)
}

// cancellingPayments отменяет context после первой сверки, как истёкший таймаут тика.
type cancellingPayments struct {
	fakePayments
	cancel context.CancelFunc
}

func (c *cancellingPayments) Reconcile(ctx context.Context, tx *domain.PaymentTransaction, source domain.OutcomeSource) (domain.ApplyResult, error) {
	res, err := c.fakePayments.Reconcile(ctx, tx, source)
	c.cancel()
	return res, err
}

func TestReconciler_LogsTruncatedBatch(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{Level: "info", Output: &buf})
	t.Cleanup(func() { logger.Init(logger.Config{Level: "info"}) })

	txs := []*domain.PaymentTransaction{
		pendingAt("240115_a", 3*time.Minute),
		pendingAt("240115_b", 2*time.Minute),
		pendingAt("240115_c", time.Minute),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	payments := &cancellingPayments{cancel: cancel}
	r := newTestReconciler(&fakeLister{txs: txs}, payments)

	stats, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 2, stats.Skipped)
	assert.Len(t, payments.seen, 1)

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"skipped":2`)
	assert.Contains(t, out, "Прогон сверки прерван")
}

// =============================================================================
// RefundChecker
// =============================================================================

type fakeRefunds struct {
	list    []*domain.RefundTransaction
	checked []string
	calls   []time.Time
	results map[string]domain.RefundStatus
	fail    map[string]error
}

func (f *fakeRefunds) ListProcessing(ctx context.Context, limit int) ([]*domain.RefundTransaction, error) {
	return f.list, nil
}

func (f *fakeRefunds) CheckRefund(ctx context.Context, r *domain.RefundTransaction) (bool, *domain.RefundTransaction, error) {
	f.checked = append(f.checked, r.MRefundID)
	f.calls = append(f.calls, time.Now())
	if err := f.fail[r.MRefundID]; err != nil {
		return false, nil, err
	}
	status, ok := f.results[r.MRefundID]
	if !ok {
		return false, r, nil
	}
	c := *r
	c.Status = status
	return true, &c, nil
}

func processing(id string, age time.Duration) *domain.RefundTransaction {
	return &domain.RefundTransaction{MRefundID: id, Status: domain.RefundStatusProcessing, CreatedAt: time.Now().Add(-age)}
}

func TestRefundChecker_AppliesResultsWithThrottle(t *testing.T) {
	refunds := &fakeRefunds{
		list: []*domain.RefundTransaction{
			processing("r1", time.Minute),
			processing("r2", time.Minute),
			processing("r3", 25*time.Hour),
		},
		results: map[string]domain.RefundStatus{"r1": domain.RefundStatusSuccess, "r3": domain.RefundStatusFailed},
		fail:    map[string]error{"r2": errors.New("timeout")},
	}
	c := NewRefundChecker(refunds, refunds, RefundCheckerConfig{Throttle: 20 * time.Millisecond, MaxAge: 24 * time.Hour})

	stats, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, refunds.checked)
	assert.Equal(t, Stats{Checked: 3, Applied: 2, Failed: 1}, stats)

	for i := 1; i < len(refunds.calls); i++ {
		assert.GreaterOrEqual(t, refunds.calls[i].Sub(refunds.calls[i-1]), 20*time.Millisecond)
	}
}

func TestRefundChecker_StopsOnCancelDuringThrottle(t *testing.T) {
	refunds := &fakeRefunds{list: []*domain.RefundTransaction{processing("r1", 0), processing("r2", 0)}}
	c := NewRefundChecker(refunds, refunds, RefundCheckerConfig{Throttle: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, []string{"r1"}, refunds.checked)
}
