package signer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/order-payment/services/payment/internal/domain"
)

func TestSign_KnownVector(t *testing.T) {
	got := Sign("The quick brown fox jumps over the lazy dog", "key")
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestVerify(t *testing.T) {
	data := `{"app_trans_id":"240101_1","amount":50000}`
	mac := Sign(data, "key2")

	t.Run("совпадает", func(t *testing.T) {
		assert.True(t, Verify(data, "key2", mac))
	})

	t.Run("верхний регистр hex", func(t *testing.T) {
		assert.True(t, Verify(data, "key2", strings.ToUpper(mac)))
	})

	t.Run("изменён один байт данных", func(t *testing.T) {
		tampered := strings.Replace(data, "50000", "50001", 1)
		assert.False(t, Verify(tampered, "key2", mac))
	})

	t.Run("другой ключ", func(t *testing.T) {
		assert.False(t, Verify(data, "key1", mac))
	})

	t.Run("не hex", func(t *testing.T) {
		assert.False(t, Verify(data, "key2", "zz"))
	})

	t.Run("пустая подпись", func(t *testing.T) {
		assert.False(t, Verify(data, "key2", ""))
	})
}

func TestCanonical(t *testing.T) {
	s, err := Canonical(I("app_id", 2553), F("app_trans_id", "240101_1"), F("key1", "k1"))
	require.NoError(t, err)
	assert.Equal(t, "2553|240101_1|k1", s)

	_, err = Canonical(I("app_id", 2553), F("app_trans_id", ""), F("key1", "k1"))
	var se *domain.SignatureError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "app_trans_id")

	_, err = Canonical(I("amount", 0))
	assert.ErrorAs(t, err, &se)
}
