package middleware

import (
	"context"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestIDHeader содержит идентификатор запроса во входящих и исходящих заголовках.
const RequestIDHeader = "X-Request-ID"

// RequestID присваивает запросу идентификатор средствами chi и возвращает его клиенту.
// Идентификатор клиента сохраняется, если он передан.
func RequestID(next http.Handler) http.Handler {
	return chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimiddleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	}))
}

// RequestIDFromContext возвращает идентификатор запроса, сохранённый RequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := chimiddleware.GetReqID(ctx)
	return id, id != ""
}
