package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/cardguard/ruleengine/pkg/logger"
)

// Recovery guards against a handler panic taking the whole process down with
// it. It logs the panic with request context and responds with a generic
// 500 rather than leaking a stack trace to the caller.
type Recovery struct {
	log *logger.Logger
}

func NewRecovery(log *logger.Logger) *Recovery {
	return &Recovery{log: log}
}

func (m *Recovery) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.log.WithContext(r.Context()).WithField("panic", rec).
					WithField("path", r.URL.Path).
					Error("recovered from panic in http handler")
				writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
