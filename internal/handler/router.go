package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/referral-network/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(custommiddleware.Metrics(h.metrics))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.Register)
			r.Get("/", h.ListUsers)
			r.Get("/{userId}", h.GetUser)
		})

		r.Post("/purchases", h.Purchase)
		r.Get("/earnings/{userId}", h.Earnings)
		r.Get("/earnings/{userId}/{earningId}", h.Earning)
		r.Get("/transactions/{userId}", h.Transactions)
		r.Get("/transactions/{userId}/{transactionId}", h.Transaction)
		r.Get("/notifications/{userId}", h.Notifications)

		r.Post("/referrals/join", h.Join)
		r.Get("/referrals/{userId}", h.ReferralTree)
	})

	if h.hub != nil {
		r.Get("/ws", h.Live)
	}
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
