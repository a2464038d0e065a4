package repository

import (
	"strings"

	"github.com/google/uuid"
)

const (
	referralCodePrefix = "REF"
	referralCodeLength = 6
	// попыток подобрать свободный реферальный код
	codeAttempts = 5
)

func newID() string {
	return uuid.NewString()
}

func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return referralCodePrefix + strings.ToUpper(raw[:referralCodeLength])
}
