package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
	"github.com/mmeshcher/referral-network/internal/validation"
)

// Registration содержит результат регистрации.
// Если реферальный код не удалось применить, пользователь всё равно создан,
// а причина отказа лежит в ReferralErr.
type Registration struct {
	User        *model.User
	ReferralErr error
}

// RegisterUser создаёт пользователя и, если передан код, привязывает его к владельцу кода.
func (s *Service) RegisterUser(ctx context.Context, email, name, referralCode string) (*Registration, error) {
	email = validation.NormalizeEmail(email)
	if !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if !validation.IsValidName(name) {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	u, err := s.repo.CreateUser(ctx, model.User{
		Email:    email,
		Name:     name,
		IsActive: true,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("referral_code", u.ReferralCode))

	reg := &Registration{User: u}
	if referralCode == "" {
		return reg, nil
	}

	if err := s.JoinByReferralCode(ctx, referralCode, u.ID); err != nil {
		reg.ReferralErr = err
		return reg, nil
	}

	// после привязки у пользователя появились родитель и уровень
	joined, err := s.repo.GetUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	reg.User = joined
	return reg, nil
}

// JoinByReferralCode делает childID прямым рефералом владельца кода
// и уведомляет владельца о новом реферале.
func (s *Service) JoinByReferralCode(ctx context.Context, code, childID string) error {
	code = validation.NormalizeReferralCode(code)
	if !validation.IsValidReferralCode(code) {
		s.metrics.Referral("invalid_code")
		return fmt.Errorf("%w: malformed referral code %q", ErrInvalidInput, code)
	}

	parent, err := s.repo.GetUserByReferralCode(ctx, code)
	if err != nil {
		s.metrics.Referral("unknown_code")
		return err
	}
	child, err := s.repo.GetUser(ctx, childID)
	if err != nil {
		s.metrics.Referral("unknown_user")
		return err
	}

	if err := s.graph.Attach(ctx, parent.ID, child.ID); err != nil {
		s.metrics.Referral("rejected")
		if !errors.Is(err, model.ErrConstraint) {
			s.logger.Error("failed to attach referral",
				zap.String("parent_id", parent.ID), zap.String("child_id", child.ID), zap.Error(err))
		}
		return err
	}
	s.metrics.Referral("attached")

	s.logger.Info("referral attached", zap.String("parent_id", parent.ID), zap.String("child_id", child.ID))

	n, err := s.repo.AppendNotification(ctx, model.Notification{
		Kind:    model.NotificationNewReferral,
		UserID:  parent.ID,
		Title:   "New Referral",
		Message: fmt.Sprintf("%s joined using your referral code", child.Name),
	})
	if err != nil {
		// ребро уже создано, потеря уведомления не отменяет привязку
		s.logger.Error("failed to store referral notification", zap.String("user_id", parent.ID), zap.Error(err))
		return nil
	}
	s.publisher.Publish(*n)

	return nil
}
