package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/referral-network/internal/model"
	"github.com/mmeshcher/referral-network/internal/service"
)

type registerRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referralCode"`
}

type registerResponse struct {
	User          *model.User `json:"user"`
	ReferralError string      `json:"referralError,omitempty"`
}

// Register регистрирует пользователя и применяет реферальный код, если он передан.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	reg, err := h.service.RegisterUser(r.Context(), req.Email, req.Name, req.ReferralCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := registerResponse{User: reg.User}
	if reg.ReferralErr != nil {
		resp.ReferralError = reg.ReferralErr.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListUsers возвращает всех пользователей.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// GetUser возвращает пользователя по идентификатору.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

type joinRequest struct {
	ReferralCode string `json:"referralCode"`
	UserID       string `json:"userId"`
}

// Join привязывает существующего пользователя к владельцу реферального кода.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ReferralCode == "" || req.UserID == "" {
		h.writeError(w, r, service.ErrInvalidInput)
		return
	}

	if err := h.service.JoinByReferralCode(r.Context(), req.ReferralCode, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ReferralTree возвращает дерево рефералов пользователя.
func (h *Handler) ReferralTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.service.ReferralTree(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"referralTree": tree})
}
