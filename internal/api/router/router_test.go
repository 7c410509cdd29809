package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lapidaryhq/concierge/internal/http/handlers"
	"github.com/lapidaryhq/concierge/internal/transcript"
)

type noopRouter struct{}

func (noopRouter) OnInbound(context.Context, string, string) {}

type noopResetter struct{}

func (noopResetter) Reset(context.Context, string) (bool, error) { return true, nil }

func newTestHandler() http.Handler {
	return New(&Config{
		Webhook:    handlers.NewWebhookHandler(noopRouter{}, "", false, nil),
		Admin:      handlers.NewAdminHandler(noopResetter{}, nil),
		Dashboard:  handlers.NewDashboardHandler(transcript.NewStore(nil, nil), "tok", 6*time.Hour, nil),
		AdminToken: "admin-secret",
	})
}

func TestHealthRoute(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader("From=whatsapp%3A%2B15551234567&Body=hi+there"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	newTestHandler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminRouteGuarded(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/admin/reset-counter",
		strings.NewReader(`{"user_id":"whatsapp:+15551234567"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/reset-counter",
		strings.NewReader(`{"user_id":"whatsapp:+15551234567"}`))
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDashboardRoutes(t *testing.T) {
	h := newTestHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard/api/messages?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
