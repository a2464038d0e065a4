package service

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/referral-network/internal/model"
)

const (
	recentEarningsLimit = 10
	weekWindow          = 7 * 24 * time.Hour
	monthWindow         = 30 * 24 * time.Hour
)

// EarningsReport собирает отчёт о доходах пользователя.
// Окна дня, недели и месяца отсчитываются от начала текущих суток.
func (s *Service) EarningsReport(ctx context.Context, userID string) (*model.EarningsReport, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	earnings, err := s.repo.GetEarningsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := today.Add(-weekWindow)
	monthStart := today.Add(-monthWindow)

	report := &model.EarningsReport{
		UserID:           u.ID,
		TotalEarnings:    u.TotalEarnings,
		DirectEarnings:   u.DirectEarnings,
		IndirectEarnings: u.IndirectEarnings,
		DailyEarnings:    decimal.Zero,
		WeeklyEarnings:   decimal.Zero,
		MonthlyEarnings:  decimal.Zero,
		EarningsBreakdown: model.EarningsBreakdown{
			Level1: decimal.Zero,
			Level2: decimal.Zero,
		},
	}

	for _, e := range earnings {
		if !e.CreatedAt.Before(today) {
			report.DailyEarnings = report.DailyEarnings.Add(e.Amount)
		}
		if !e.CreatedAt.Before(weekStart) {
			report.WeeklyEarnings = report.WeeklyEarnings.Add(e.Amount)
		}
		if !e.CreatedAt.Before(monthStart) {
			report.MonthlyEarnings = report.MonthlyEarnings.Add(e.Amount)
		}
		switch e.Level {
		case 1:
			report.EarningsBreakdown.Level1 = report.EarningsBreakdown.Level1.Add(e.Amount)
		case 2:
			report.EarningsBreakdown.Level2 = report.EarningsBreakdown.Level2.Add(e.Amount)
		}
	}

	report.RecentEarnings = recentEarnings(earnings, recentEarningsLimit)
	return report, nil
}

// recentEarnings возвращает не более limit самых новых начислений, новые первыми.
func recentEarnings(earnings []model.Earning, limit int) []model.Earning {
	res := make([]model.Earning, len(earnings))
	for i, e := range earnings {
		res[len(earnings)-1-i] = e
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res
}
