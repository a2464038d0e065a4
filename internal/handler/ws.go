package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Live переводит соединение на websocket и передаёт его хабу уведомлений.
// Первый кадр клиента должен назвать существующего пользователя.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.hub.Serve(r.Context(), conn, func(ctx context.Context, userID string) error {
		_, err := h.service.GetUser(ctx, userID)
		return err
	})
}
