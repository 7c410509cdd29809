package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lapidaryhq/concierge/pkg/logging"
)

// CounterResetter resets a sender's daily quota. *ratelimit.Limiter
// satisfies it.
type CounterResetter interface {
	Reset(ctx context.Context, sender string) (bool, error)
}

// AdminHandler exposes the privileged maintenance API. Authentication is
// handled by middleware.AdminToken upstream.
type AdminHandler struct {
	limiter CounterResetter
	logger  *logging.Logger
}

// NewAdminHandler builds the admin endpoints.
func NewAdminHandler(limiter CounterResetter, logger *logging.Logger) *AdminHandler {
	if limiter == nil {
		panic("handlers: counter resetter is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{limiter: limiter, logger: logger}
}

// ResetCounter zeroes a user's daily message counter.
func (h *AdminHandler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	found, err := h.limiter.Reset(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("counter reset failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reset failed"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}

	h.logger.Info("admin reset message counter", "user_id", req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user_id": req.UserID})
}

// Health reports liveness.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
