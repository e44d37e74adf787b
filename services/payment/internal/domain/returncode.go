package domain

// Коды return_code платёжного шлюза.
const (
	ReturnCodeSuccess    = 1
	ReturnCodeFailed     = 2
	ReturnCodeProcessing = 3
)

// SubReturnCodeSuccess - sub_return_code успешной оплаты.
const SubReturnCodeSuccess = 1

// SubCodeCategory - класс sub_return_code.
type SubCodeCategory string

const (
	// CategoryNone - sub_return_code отсутствует или означает успех.
	CategoryNone SubCodeCategory = "none"

	// CategoryUserActionable - отказ по действиям пользователя (отмена, нехватка средств, лимиты).
	// Повтор того же запроса бессмыслен, пользователь может оплатить заново.
	CategoryUserActionable SubCodeCategory = "user_actionable"

	// CategoryMerchantError - ошибка интеграции мерчанта (параметры, подпись, дубликат).
	CategoryMerchantError SubCodeCategory = "merchant_error"

	// CategorySystemError - временная ошибка на стороне шлюза, запрос можно повторить.
	CategorySystemError SubCodeCategory = "system_error"

	// CategoryUnknown - код не из справочника.
	CategoryUnknown SubCodeCategory = "unknown"
)

// SubCodeInfo - описание sub_return_code.
type SubCodeInfo struct {
	Code     int
	Category SubCodeCategory
	Message  string
}

// Retryable сообщает, можно ли повторить тот же запрос.
func (i SubCodeInfo) Retryable() bool {
	return i.Category == CategorySystemError
}

// subCodes - справочник кодов, которые встречаются в ответах createOrder,
// query, refund и queryRefund.
var subCodes = map[int]SubCodeInfo{
	1:    {1, CategoryNone, "успешно"},
	-54:  {-54, CategoryUserActionable, "истёк срок оплаты"},
	-63:  {-63, CategoryUserActionable, "недостаточно средств"},
	-68:  {-68, CategoryMerchantError, "дубликат app_trans_id"},
	-92:  {-92, CategoryUserActionable, "превышен лимит пользователя"},
	-101: {-101, CategoryUserActionable, "пользователь отменил оплату"},
	-401: {-401, CategoryMerchantError, "некорректные параметры запроса"},
	-402: {-402, CategoryMerchantError, "неверная подпись запроса"},
	-405: {-405, CategoryMerchantError, "приложение мерчанта не активно"},
	-429: {-429, CategorySystemError, "слишком много запросов"},
	-500: {-500, CategorySystemError, "внутренняя ошибка шлюза"},
	-503: {-503, CategorySystemError, "шлюз на обслуживании"},
	-504: {-504, CategorySystemError, "таймаут на стороне шлюза"},
	// Возвраты
	-1001: {-1001, CategoryMerchantError, "транзакция для возврата не найдена"},
	-1002: {-1002, CategoryUserActionable, "сумма возврата превышает остаток"},
	-1003: {-1003, CategoryMerchantError, "дубликат m_refund_id"},
}

// ClassifySubCode возвращает описание кода. 0 означает отсутствие кода.
func ClassifySubCode(code int) SubCodeInfo {
	if code == 0 {
		return SubCodeInfo{Code: 0, Category: CategoryNone}
	}
	if info, ok := subCodes[code]; ok {
		return info
	}
	return SubCodeInfo{Code: code, Category: CategoryUnknown, Message: "неизвестный код"}
}
