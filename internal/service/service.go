// Package service реализует бизнес-логику реферальной сети:
// распределение комиссий, регистрацию и отчёты о доходах.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/graph"
	"github.com/mmeshcher/referral-network/internal/metrics"
	"github.com/mmeshcher/referral-network/internal/model"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, draft model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	AttachReferral(ctx context.Context, parentID, childID string) error
	Descendants(ctx context.Context, rootID string) ([]model.User, error)
	RecordPurchase(ctx context.Context, rec model.PurchaseRecord) (*model.PurchaseResult, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)
	GetEarning(ctx context.Context, id string) (*model.Earning, error)
	GetEarningsByUser(ctx context.Context, userID string) ([]model.Earning, error)
	AppendNotification(ctx context.Context, n model.Notification) (*model.Notification, error)
	GetNotifications(ctx context.Context, userID string) ([]model.Notification, error)
}

// Publisher принимает уже сохранённые уведомления для живой доставки.
// Publish не должен блокировать вызывающего.
type Publisher interface {
	Publish(n model.Notification)
}

type discardPublisher struct{}

func (discardPublisher) Publish(model.Notification) {}

// Ошибки валидации сервиса.
var (
	ErrBelowMinimum   = fmt.Errorf("purchase amount is below minimum: %w", model.ErrValidation)
	ErrNegativeProfit = fmt.Errorf("purchase profit is negative: %w", model.ErrValidation)
	ErrInvalidInput   = fmt.Errorf("invalid input: %w", model.ErrValidation)
)

// Service содержит бизнес-логику реферальной сети.
type Service struct {
	repo      Repository
	graph     *graph.Graph
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithClock задаёт источник текущего времени для отчётов.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMetrics включает учёт метрик.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService создаёт сервис поверх реестра.
// Если publisher равен nil, уведомления только сохраняются.
func NewService(repo Repository, publisher Publisher, logger *zap.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = discardPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:      repo,
		graph:     graph.New(repo),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// ListUsers возвращает всех пользователей в порядке регистрации.
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.repo.ListUsers(ctx)
}

// ReferralTree возвращает дерево рефералов пользователя.
func (s *Service) ReferralTree(ctx context.Context, userID string) (*model.TreeNode, error) {
	return s.graph.Materialize(ctx, userID)
}

// Notifications возвращает журнал уведомлений пользователя, самые новые первыми.
// Для неизвестного пользователя журнал пуст.
func (s *Service) Notifications(ctx context.Context, userID string) ([]model.Notification, error) {
	return s.repo.GetNotifications(ctx, userID)
}

// Transactions возвращает покупки пользователя.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByUser(ctx, userID)
}

// Transaction возвращает покупку пользователя по идентификатору.
// Чужая транзакция считается ненайденной.
func (s *Service) Transaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	return t, nil
}

// Earning возвращает начисление пользователя по идентификатору.
func (s *Service) Earning(ctx context.Context, userID, id string) (*model.Earning, error) {
	e, err := s.repo.GetEarning(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, fmt.Errorf("earning %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}
