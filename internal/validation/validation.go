// Package validation содержит функции валидации входных данных.
package validation

const (
	maxMerchantNameLen     = 32
	maxMerchantCategoryLen = 16
	maxIdempotencyKeyLen   = 128
)

// base58Alphabet — алфавит base58 без символов 0, O, I и l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Set = func() [256]bool {
	var set [256]bool
	for i := 0; i < len(base58Alphabet); i++ {
		set[base58Alphabet[i]] = true
	}
	return set
}()

// IsValidWalletAddress проверяет, что адрес кошелька — корректная base58-строка
// длиной от 32 до 44 символов.
func IsValidWalletAddress(address string) bool {
	if len(address) < 32 || len(address) > 44 {
		return false
	}
	for i := 0; i < len(address); i++ {
		if !base58Set[address[i]] {
			return false
		}
	}
	return true
}

// IsValidIdempotencyKey проверяет форму ключа идемпотентности:
// непустая строка до 128 символов из букв, цифр, дефисов и подчёркиваний.
func IsValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > maxIdempotencyKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// IsValidMerchantName проверяет имя мерчанта: непустое, не длиннее 32 байт.
func IsValidMerchantName(name string) bool {
	return name != "" && len(name) <= maxMerchantNameLen
}

// IsValidMerchantCategory проверяет категорию мерчанта: непустая, не длиннее 16 байт.
func IsValidMerchantCategory(category string) bool {
	return category != "" && len(category) <= maxMerchantCategoryLen
}
