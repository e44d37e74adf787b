package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ZALOPAY_KEY1", "key1")
	t.Setenv("ZALOPAY_KEY2", "key2")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Payment.Expiry)
	assert.Equal(t, "ignore", cfg.Payment.LateSuccessPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Refund.CheckDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Refund.ThrottleDelay)
	assert.Equal(t, 10*time.Second, cfg.ZaloPay.Timeout)
	assert.Equal(t, 3, cfg.Events.MaxAttempts)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, uint32(5), cfg.Breaker.MinRequests)
}

func TestZaloPayConfig_Validate(t *testing.T) {
	t.Setenv("ZALOPAY_KEY1", "")
	t.Setenv("ZALOPAY_KEY2", "")

	// Сервис заказов стартует без ключей шлюза.
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.ZaloPay.Validate())

	cfg.ZaloPay.Key1 = "k1"
	cfg.ZaloPay.Key2 = "k2"
	assert.NoError(t, cfg.ZaloPay.Validate())

	cfg.ZaloPay.AppID = 0
	assert.Error(t, cfg.ZaloPay.Validate())
}

func TestLoad_InvalidLateSuccessPolicy(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYMENT_LATE_SUCCESS_POLICY", "resurrect")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_LATE_SUCCESS_POLICY")
}

func TestLoad_NodeIDOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("NODE_ID", "5000")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_BreakerRatioOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("BREAKER_FAILURE_RATIO", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BREAKER_FAILURE_RATIO")
}

func TestAddrHelpers(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", HTTPConfig{Host: "0.0.0.0", Port: 8080}.Addr())
	assert.Equal(t, "redis:6379", RedisConfig{Host: "redis", Port: 6379}.Addr())
	assert.Equal(t, ":9091", MetricsConfig{Port: 9091}.Addr())
	assert.Equal(t, "jaeger:4317", JaegerConfig{Host: "jaeger", OTLPPort: 4317}.OTLPEndpoint())
}
