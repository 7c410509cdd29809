package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRouter struct {
	sender string
	text   string
	calls  int
}

func (r *recordingRouter) OnInbound(_ context.Context, sender, text string) {
	r.sender = sender
	r.text = text
	r.calls++
}

func newSyncWebhook(router InboundRouter, authToken string, validate bool) *WebhookHandler {
	h := NewWebhookHandler(router, authToken, validate, nil)
	h.async = false
	return h
}

func signTwilio(authToken, rawURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(rawURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postForm(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestWebhookRoutesMessage(t *testing.T) {
	router := &recordingRouter{}
	h := newSyncWebhook(router, "", false)

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {" I need rubies "}}
	rr := httptest.NewRecorder()
	h.Handle(rr, postForm(t, form))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Equal(t, twimlEmpty, rr.Body.String())
	require.Equal(t, 1, router.calls)
	assert.Equal(t, "whatsapp:+15551234567", router.sender)
	assert.Equal(t, "I need rubies", router.text)
}

func TestWebhookEmptyBodyIsNoContent(t *testing.T) {
	router := &recordingRouter{}
	h := newSyncWebhook(router, "", false)

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"   "}}
	rr := httptest.NewRecorder()
	h.Handle(rr, postForm(t, form))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Zero(t, router.calls)
}

func TestWebhookValidatesSignature(t *testing.T) {
	router := &recordingRouter{}
	h := newSyncWebhook(router, "twilio-auth-token", true)
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi there"}}

	// Unsigned request is rejected.
	rr := httptest.NewRecorder()
	h.Handle(rr, postForm(t, form))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, router.calls)

	// Correctly signed request passes.
	req := postForm(t, form)
	req.Header.Set("X-Twilio-Signature",
		signTwilio("twilio-auth-token", "http://"+req.Host+"/webhook", form))
	rr = httptest.NewRecorder()
	h.Handle(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, router.calls)
}

func TestWebhookSignatureHonorsForwardedProto(t *testing.T) {
	router := &recordingRouter{}
	h := newSyncWebhook(router, "twilio-auth-token", true)
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi there"}}

	// Twilio signed the public https URL; the proxy delivers plain http.
	req := postForm(t, form)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Twilio-Signature",
		signTwilio("twilio-auth-token", "https://"+req.Host+"/webhook", form))
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookRejectsTamperedParams(t *testing.T) {
	router := &recordingRouter{}
	h := newSyncWebhook(router, "twilio-auth-token", true)
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi there"}}
	sig := signTwilio("twilio-auth-token", "http://example.com/webhook", form)

	tampered := url.Values{"From": {"whatsapp:+15550000000"}, "Body": {"hi there"}}
	req := postForm(t, tampered)
	req.Header.Set("X-Twilio-Signature", sig)
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
