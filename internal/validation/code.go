// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const referralCodeLen = 8

// Алфавит реферальных кодов: цифры и заглавные латинские буквы без
// визуально неоднозначных I, L, O, U.
const referralCodeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// IsValidReferralCode проверяет формат реферального кода.
func IsValidReferralCode(code string) bool {
	if len(code) != referralCodeLen {
		return false
	}

	for _, ch := range code {
		if !strings.ContainsRune(referralCodeAlphabet, ch) {
			return false
		}
	}

	return true
}
