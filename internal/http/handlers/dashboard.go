package handlers

import (
	"crypto/subtle"
	_ "embed"
	"net/http"
	"time"

	"github.com/lapidaryhq/concierge/internal/transcript"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

//go:embed dashboard.html
var dashboardHTML []byte

// DashboardHandler serves the owner's live conversation view: a static HTML
// page polling a token-guarded JSON feed of the recent transcript.
type DashboardHandler struct {
	store  *transcript.Store
	token  string
	window time.Duration
	logger *logging.Logger
}

// NewDashboardHandler builds the dashboard endpoints. window bounds how far
// back the feed reaches.
func NewDashboardHandler(store *transcript.Store, token string, window time.Duration, logger *logging.Logger) *DashboardHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if window <= 0 {
		window = 6 * time.Hour
	}
	return &DashboardHandler{store: store, token: token, window: window, logger: logger}
}

// Page serves the dashboard HTML. The page itself is harmless without a
// valid token; the data feed enforces access.
func (h *DashboardHandler) Page(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(dashboardHTML)
}

// Messages serves the JSON feed backing the page.
func (h *DashboardHandler) Messages(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dashboard token not configured"})
		return
	}
	presented := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	messages, err := h.store.Recent(r.Context(), h.window)
	if err != nil {
		h.logger.Error("dashboard messages query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	contacts, err := h.store.ContactCount(r.Context(), h.window)
	if err != nil {
		h.logger.Error("dashboard contact count failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if messages == nil {
		messages = []transcript.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": contacts,
		"messages": messages,
	})
}
