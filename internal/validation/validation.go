// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	maxNameLength = 100
	minCodeLength = 4
	maxCodeLength = 32
)

var validate = validator.New()

// IsValidEmail проверяет формат адреса электронной почты.
func IsValidEmail(email string) bool {
	if email == "" || email != strings.TrimSpace(email) {
		return false
	}
	return validate.Var(email, "required,email") == nil
}

// IsValidName проверяет отображаемое имя пользователя.
func IsValidName(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	if len([]rune(trimmed)) > maxNameLength {
		return false
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// IsValidReferralCode проверяет, что код состоит из заглавных латинских букв и цифр.
func IsValidReferralCode(code string) bool {
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		ch := code[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return false
		}
	}
	return true
}

// NormalizeReferralCode убирает пробелы по краям и приводит код к верхнему регистру.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeEmail убирает пробелы по краям и приводит адрес к нижнему регистру.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
