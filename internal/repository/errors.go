package repository

import (
	"fmt"

	"github.com/mmeshcher/referral-network/internal/model"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
	ErrUserExists = fmt.Errorf("user already exists: %w", model.ErrConstraint)
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = fmt.Errorf("user not found: %w", model.ErrNotFound)
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = fmt.Errorf("transaction not found: %w", model.ErrNotFound)
	// ErrEarningNotFound возвращается, если начисление не найдено.
	ErrEarningNotFound = fmt.Errorf("earning not found: %w", model.ErrNotFound)
	// ErrReferralCodeNotFound возвращается, если реферальный код никому не принадлежит.
	ErrReferralCodeNotFound = fmt.Errorf("referral code not found: %w", model.ErrNotFound)
	// ErrReferralCodeTaken возвращается, если заданный реферальный код уже занят.
	ErrReferralCodeTaken = fmt.Errorf("referral code already taken: %w", model.ErrConstraint)
	// ErrAlreadyReferred возвращается, если у пользователя уже есть пригласивший.
	ErrAlreadyReferred = fmt.Errorf("user already has a referrer: %w", model.ErrConstraint)
	// ErrReferralLimit возвращается, если у пригласившего уже максимум прямых рефералов.
	ErrReferralLimit = fmt.Errorf("direct referral limit reached: %w", model.ErrConstraint)
	// ErrReferralCycle возвращается, если привязка замкнула бы цепочку рефералов.
	ErrReferralCycle = fmt.Errorf("referral would create a cycle: %w", model.ErrConstraint)
	// ErrLedgerInconsistent сигнализирует о ссылке на отсутствующую запись внутри реестра.
	ErrLedgerInconsistent = fmt.Errorf("ledger inconsistent: %w", model.ErrConstraint)
)
