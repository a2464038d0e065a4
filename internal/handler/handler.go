// Package handler содержит HTTP-обработчики API реферальной сети.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/metrics"
	"github.com/mmeshcher/referral-network/internal/model"
	"github.com/mmeshcher/referral-network/internal/service"
)

const maxBodyBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, name, referralCode string) (*service.Registration, error)
	JoinByReferralCode(ctx context.Context, code, childID string) error
	ProcessPurchase(ctx context.Context, userID string, amount, profit decimal.Decimal) (*model.PurchaseResult, error)
	EarningsReport(ctx context.Context, userID string) (*model.EarningsReport, error)
	ReferralTree(ctx context.Context, userID string) (*model.TreeNode, error)
	Notifications(ctx context.Context, userID string) ([]model.Notification, error)
	Transactions(ctx context.Context, userID string) ([]model.Transaction, error)
	Transaction(ctx context.Context, userID, id string) (*model.Transaction, error)
	Earning(ctx context.Context, userID, id string) (*model.Earning, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// LiveHub обслуживает websocket-подключения.
type LiveHub interface {
	Serve(ctx context.Context, conn *websocket.Conn, authorize func(ctx context.Context, userID string) error)
}

// Handler реализует HTTP-обработчики API реферальной сети.
type Handler struct {
	service  Service
	hub      LiveHub
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMetrics включает учёт запросов и маршрут /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = gatherer
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Если hub равен nil, маршрут /ws не регистрируется.
func NewHandler(s Service, hub LiveHub, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		service: s,
		hub:     hub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConstraint):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(status)
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}
