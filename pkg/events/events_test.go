package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-payment/pkg/kafka"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/retry"
)

func TestRoutes_StaticTable(t *testing.T) {
	tests := []struct {
		kind       Kind
		routingKey string
		queue      string
	}{
		{KindPaymentSuccess, "payment.success", "order-service.payment.success"},
		{KindPaymentFailed, "payment.failed", "order-service.payment.failed"},
		{KindPaymentExpired, "payment.expired", "order-service.payment.expired"},
		{KindRefundSuccess, "refund.success", "order-service.refund.success"},
		{KindRefundFailed, "refund.failed", "order-service.refund.failed"},
		{KindOrderCreated, "order.created", "payment-service.order.created"},
		{KindOrderReturnApproved, "order.return_approved", "payment-service.order.return_approved"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r, err := RouteFor(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.routingKey, r.RoutingKey)
			assert.Equal(t, tt.queue, r.Queue)
			assert.Equal(t, tt.queue+".dlq", r.DeadLetter)
		})
	}

	_, err := RouteFor("UNKNOWN")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestTopicSpecs_IncludeDLQ(t *testing.T) {
	specs := TopicSpecs(3, 1)
	assert.Len(t, specs, len(routes)*2)

	names := map[string]int{}
	for _, s := range specs {
		names[s.Name] = s.Partitions
	}
	assert.Equal(t, 3, names["payment.success"])
	assert.Equal(t, 1, names["order-service.payment.success.dlq"])
}

func TestEnvelope_RoundTrip(t *testing.T) {
	paidAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(KindPaymentSuccess, "240101_1", PaymentSucceeded{
		AppTransID: "240101_1", ZPTransID: 99, Amount: 50000, PaidAt: paidAt, OrderIDs: []string{"o1", "o2"},
	})
	require.NoError(t, err)

	body, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	var p PaymentSucceeded
	require.NoError(t, decoded.DecodePayload(&p))
	assert.Equal(t, []string{"o1", "o2"}, p.OrderIDs)
	assert.Equal(t, int64(99), p.ZPTransID)
	assert.True(t, paidAt.Equal(p.PaidAt))
}

func TestNewEnvelope_UnknownKind(t *testing.T) {
	_, err := NewEnvelope("NOPE", "k", struct{}{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestToOutbox(t *testing.T) {
	ctx := logger.WithTraceID(context.Background(), "trace-9")
	env, err := NewEnvelope(KindPaymentFailed, "240101_7", PaymentFailed{AppTransID: "240101_7", Reason: "user cancelled"})
	require.NoError(t, err)

	rec, err := ToOutbox(ctx, "payment", "240101_7", env)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, rec.ID)
	assert.Equal(t, "payment.failed", rec.Topic)
	assert.Equal(t, "240101_7", rec.MessageKey)
	assert.Equal(t, "PAYMENT_FAILED", rec.EventType)
	assert.Equal(t, "trace-9", rec.Headers[kafka.HeaderTraceID])
	assert.Equal(t, "PAYMENT_FAILED", rec.Headers[kafka.HeaderEventKind])
}

func TestBridge_Dispatch(t *testing.T) {
	b := NewBridge(kafka.Config{Brokers: []string{"localhost:9092"}}, nil, retry.DefaultPolicy())

	env, err := NewEnvelope(KindPaymentSuccess, "240101_1", PaymentSucceeded{AppTransID: "240101_1"})
	require.NoError(t, err)
	body, _ := json.Marshal(env)

	t.Run("успешная обработка", func(t *testing.T) {
		var got *Envelope
		var correlation string
		h := b.Dispatch(KindPaymentSuccess, func(ctx context.Context, e *Envelope) error {
			got = e
			correlation = logger.CorrelationIDFromContext(ctx)
			return nil
		})

		require.NoError(t, h(context.Background(), &kafka.Message{Value: body}))
		assert.Equal(t, env.EventID, got.EventID)
		assert.Equal(t, "240101_1", correlation)
	})

	t.Run("невалидный JSON не повторяется", func(t *testing.T) {
		h := b.Dispatch(KindPaymentSuccess, func(ctx context.Context, e *Envelope) error { return nil })
		err := h(context.Background(), &kafka.Message{Value: []byte("not json")})
		assert.True(t, retry.IsPermanent(err))
	})

	t.Run("чужой вид события не повторяется", func(t *testing.T) {
		h := b.Dispatch(KindPaymentFailed, func(ctx context.Context, e *Envelope) error { return nil })
		err := h(context.Background(), &kafka.Message{Value: body})
		assert.True(t, retry.IsPermanent(err))
	})

	t.Run("ошибка обработчика возвращается для повтора", func(t *testing.T) {
		sentinel := errors.New("deadlock")
		h := b.Dispatch(KindPaymentSuccess, func(ctx context.Context, e *Envelope) error { return sentinel })
		err := h(context.Background(), &kafka.Message{Value: body})
		assert.ErrorIs(t, err, sentinel)
		assert.False(t, retry.IsPermanent(err))
	})
}

func TestBridge_RegisterUnknownKind(t *testing.T) {
	b := NewBridge(kafka.Config{}, nil, retry.DefaultPolicy())
	assert.ErrorIs(t, b.Register("NOPE", nil), ErrUnknownKind)
	assert.Error(t, b.Run(context.Background()))
}
