package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapidaryhq/concierge/internal/transcript"
)

func newDashboard(t *testing.T, token string) (*DashboardHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDashboardHandler(transcript.NewStore(db, nil), token, 6*time.Hour, nil), mock
}

func TestDashboardPageServesHTML(t *testing.T) {
	h, _ := newDashboard(t, "tok")

	rr := httptest.NewRecorder()
	h.Page(rr, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "Conversation Dashboard")
}

func TestDashboardMessagesRequiresToken(t *testing.T) {
	h, _ := newDashboard(t, "tok")

	rr := httptest.NewRecorder()
	h.Messages(rr, httptest.NewRequest(http.MethodGet, "/dashboard/api/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	h.Messages(rr, httptest.NewRequest(http.MethodGet, "/dashboard/api/messages?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDashboardMessagesUnconfigured(t *testing.T) {
	h, _ := newDashboard(t, "")

	rr := httptest.NewRecorder()
	h.Messages(rr, httptest.NewRequest(http.MethodGet, "/dashboard/api/messages?token=any", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDashboardMessagesFeed(t *testing.T) {
	h, mock := newDashboard(t, "tok")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT phone, direction, body, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"phone", "direction", "body", "created_at"}).
			AddRow("whatsapp:+15551234567", "incoming", "hi", now).
			AddRow("whatsapp:+15551234567", "outgoing", "Hello!", now.Add(time.Minute)))
	mock.ExpectQuery(`SELECT COUNT\(DISTINCT phone\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rr := httptest.NewRecorder()
	h.Messages(rr, httptest.NewRequest(http.MethodGet, "/dashboard/api/messages?token=tok", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Contacts int                  `json:"contacts"`
		Messages []transcript.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Contacts)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "hi", payload.Messages[0].Body)
	assert.NoError(t, mock.ExpectationsWereMet())
}
