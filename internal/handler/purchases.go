package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/referral-network/internal/model"
)

type purchaseRequest struct {
	UserID string           `json:"userId"`
	Amount *decimal.Decimal `json:"amount"`
	Profit *decimal.Decimal `json:"profit"`
}

type purchaseResponse struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	Transaction model.Transaction `json:"transaction"`
	Earnings    []model.Earning   `json:"earnings"`
}

// Purchase принимает покупку и распределяет комиссию.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == "" || req.Amount == nil || req.Profit == nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required fields"})
		return
	}

	res, err := h.service.ProcessPurchase(r.Context(), req.UserID, *req.Amount, *req.Profit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, purchaseResponse{
		Success:     true,
		Message:     "Purchase processed and earnings distributed",
		Transaction: res.Transaction,
		Earnings:    res.Earnings,
	})
}

// Earnings возвращает отчёт о доходах пользователя.
func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.EarningsReport(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// Transactions возвращает покупки пользователя.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.service.Transactions(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// Transaction возвращает одну покупку пользователя.
func (h *Handler) Transaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.service.Transaction(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "transactionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"transaction": txn})
}

// Earning возвращает одно начисление пользователя.
func (h *Handler) Earning(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Earning(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "earningId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"earning": e})
}

// Notifications возвращает журнал уведомлений пользователя.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	notes, err := h.service.Notifications(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}
