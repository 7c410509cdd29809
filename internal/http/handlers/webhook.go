// Package handlers holds the HTTP surface: the Twilio webhook, the admin
// API, and the owner dashboard.
package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/lapidaryhq/concierge/pkg/logging"
)

const twimlEmpty = "<Response></Response>"

// InboundRouter accepts one inbound message. *dispatch.Dispatcher
// satisfies it.
type InboundRouter interface {
	OnInbound(ctx context.Context, sender, text string)
}

// WebhookHandler receives Twilio's WhatsApp webhook posts.
type WebhookHandler struct {
	router    InboundRouter
	authToken string
	validate  bool
	logger    *logging.Logger

	// async controls whether routing runs in a goroutine. Tests disable
	// it to assert synchronously.
	async bool
}

// NewWebhookHandler builds the webhook endpoint. authToken signs Twilio
// requests; validate disables signature checking for local development.
func NewWebhookHandler(router InboundRouter, authToken string, validate bool, logger *logging.Logger) *WebhookHandler {
	if router == nil {
		panic("handlers: inbound router is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		router:    router,
		authToken: authToken,
		validate:  validate,
		logger:    logger,
		async:     true,
	}
}

// Handle processes one webhook POST. Twilio expects an immediate TwiML
// response; all conversational work happens after the reply is written.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if h.validate && !h.validSignature(r) {
		h.logger.Warn("webhook signature rejected", "remote_ip", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusForbidden)
		return
	}

	sender := r.PostFormValue("From")
	body := strings.TrimSpace(r.PostFormValue("Body"))
	if body == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.async {
		go h.router.OnInbound(context.Background(), sender, body)
	} else {
		h.router.OnInbound(r.Context(), sender, body)
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(twimlEmpty))
}

// validSignature checks X-Twilio-Signature: base64 HMAC-SHA1 of the full
// request URL with the sorted POST parameters appended.
func (h *WebhookHandler) validSignature(r *http.Request) bool {
	url := requestURL(r)

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(url)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(r.PostForm.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(h.authToken))
	mac.Write([]byte(sb.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got := r.Header.Get("X-Twilio-Signature")
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// requestURL reconstructs the public URL Twilio signed. Behind a proxy the
// request arrives as http, so honor X-Forwarded-Proto.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
