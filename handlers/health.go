package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db     Pinger
	logger *zap.SugaredLogger
}

func NewHealthHandler(db Pinger, logger *zap.SugaredLogger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthHandler{db: db, logger: logger}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warnw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
