// Package signer подписывает запросы к платёжному шлюзу и проверяет подписи callback.
//
// Подпись - hex(HMAC-SHA256(key, data)) в нижнем регистре.
// Каноническая строка собирается явным упорядоченным списком полей через "|",
// без сериализаторов: порядок полей определяет сам шлюз.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Separator - разделитель полей канонической строки.
const Separator = "|"

// Sign возвращает hex HMAC-SHA256 от data.
func Sign(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify пересчитывает подпись и сравнивает за постоянное время.
// Регистр hex в mac не важен.
func Verify(data, key, mac string) bool {
	got, err := hex.DecodeString(strings.ToLower(mac))
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(data))
	return hmac.Equal(h.Sum(nil), got)
}

// Join собирает каноническую строку из полей в заданном порядке.
func Join(fields ...string) string {
	return strings.Join(fields, Separator)
}
