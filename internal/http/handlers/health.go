package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports storage health; *sql.DB implements it
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves GET /health
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler creates a health handler. A nil db is always healthy.
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			_ = respondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
			return
		}
	}
	_ = respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
