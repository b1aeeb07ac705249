// Package validation содержит функции валидации входных данных.
package validation

// Длина base58-представления адреса Solana.
const (
	minAddressLen = 32
	maxAddressLen = 44
)

// IsValidWalletAddress проверяет корректность адреса кошелька:
// base58-алфавит (без символов 0, O, I, l) и длина от 32 до 44 символов.
func IsValidWalletAddress(address string) bool {
	if len(address) < minAddressLen || len(address) > maxAddressLen {
		return false
	}

	for _, ch := range address {
		switch {
		case ch >= '1' && ch <= '9':
		case ch >= 'A' && ch <= 'H':
		case ch >= 'J' && ch <= 'N':
		case ch >= 'P' && ch <= 'Z':
		case ch >= 'a' && ch <= 'k':
		case ch >= 'm' && ch <= 'z':
		default:
			return false
		}
	}

	return true
}
