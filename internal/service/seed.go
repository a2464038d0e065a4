package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
)

type demoUser struct {
	email string
	name  string
	code  string
}

var (
	demoAdmin = demoUser{email: "admin@example.com", name: "Admin User", code: "ADMIN123"}
	demoUser1 = demoUser{email: "user1@example.com", name: "John Doe", code: "USER001"}
)

// SeedDemo создаёт демонстрационных пользователей: администратора и его реферала.
// Повторный вызов ничего не меняет.
func (s *Service) SeedDemo(ctx context.Context) error {
	if _, err := s.repo.GetUserByEmail(ctx, demoAdmin.email); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("check demo data: %w", err)
	}

	admin, err := s.createDemoUser(ctx, demoAdmin)
	if err != nil {
		return err
	}
	user1, err := s.createDemoUser(ctx, demoUser1)
	if err != nil {
		return err
	}

	if err := s.graph.Attach(ctx, admin.ID, user1.ID); err != nil {
		return fmt.Errorf("attach demo referral: %w", err)
	}

	s.logger.Info("demo data seeded", zap.String("admin_id", admin.ID), zap.String("user_id", user1.ID))
	return nil
}

func (s *Service) createDemoUser(ctx context.Context, d demoUser) (*model.User, error) {
	u, err := s.repo.CreateUser(ctx, model.User{
		Email:        d.email,
		Name:         d.name,
		ReferralCode: d.code,
		IsActive:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create demo user %s: %w", d.email, err)
	}
	return u, nil
}
