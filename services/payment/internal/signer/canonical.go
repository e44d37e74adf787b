package signer

import (
	"strconv"

	"example.com/order-payment/services/payment/internal/domain"
)

// Field - именованное поле канонической строки.
type Field struct {
	Name  string
	Value string
}

// F создаёт Field.
func F(name, value string) Field { return Field{Name: name, Value: value} }

// I создаёт Field из целого числа. 0 считается отсутствующим значением.
func I(name string, v int64) Field {
	if v == 0 {
		return Field{Name: name}
	}
	return Field{Name: name, Value: strconv.FormatInt(v, 10)}
}

// Canonical проверяет, что все поля заполнены, и собирает строку.
// Пустое поле возвращает SignatureError до любого сетевого вызова.
func Canonical(fields ...Field) (string, error) {
	values := make([]string, len(fields))
	for i, f := range fields {
		if f.Value == "" {
			return "", &domain.SignatureError{Reason: "не заполнено поле " + f.Name}
		}
		values[i] = f.Value
	}
	return Join(values...), nil
}
