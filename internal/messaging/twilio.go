package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lapidaryhq/concierge/pkg/logging"
)

var twilioTracer = otel.Tracer("internal/messaging/twilio")

const whatsappPrefix = "whatsapp:"

// Terminal delivery states reported by Twilio's message status resource.
var terminalStatuses = map[string]bool{
	"delivered":   true,
	"read":        true,
	"failed":      true,
	"undelivered": true,
}

// TwilioSender posts WhatsApp messages through Twilio's REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// TwilioOption customizes a TwilioSender.
type TwilioOption func(*TwilioSender)

// WithBaseURL overrides the Twilio API root, for tests.
func WithBaseURL(u string) TwilioOption {
	return func(s *TwilioSender) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) TwilioOption {
	return func(s *TwilioSender) { s.httpClient = c }
}

// WithPollTimeout bounds how long WaitDelivered blocks.
func WithPollTimeout(d time.Duration) TwilioOption {
	return func(s *TwilioSender) { s.pollTimeout = d }
}

// WithPollInterval sets the delivery status polling cadence.
func WithPollInterval(d time.Duration) TwilioOption {
	return func(s *TwilioSender) { s.pollInterval = d }
}

// NewTwilioSender builds a sender with sane defaults. defaultFrom is the
// WhatsApp-enabled Twilio number.
func NewTwilioSender(accountSID, authToken, defaultFrom string, logger *logging.Logger, opts ...TwilioOption) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	s := &TwilioSender{
		accountSID:   accountSID,
		authToken:    authToken,
		from:         defaultFrom,
		baseURL:      "https://api.twilio.com",
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ Sender         = (*TwilioSender)(nil)
	_ DeliveryWaiter = (*TwilioSender)(nil)
)

// whatsappAddr ensures the channel prefix Twilio expects.
func whatsappAddr(number string) string {
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}

// Send dispatches one WhatsApp message, retrying transient failures.
func (s *TwilioSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.accountSID == "" || s.authToken == "" {
		return "", errors.New("messaging: twilio credentials missing")
	}
	if msg.To == "" {
		return "", errors.New("messaging: to required")
	}
	if strings.TrimSpace(msg.Body) == "" && msg.MediaURL == "" {
		return "", errors.New("messaging: body or media required")
	}

	ctx, span := twilioTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.to", msg.To))

	payload := url.Values{}
	payload.Set("To", whatsappAddr(msg.To))
	payload.Set("From", whatsappAddr(s.from))
	payload.Set("Body", msg.Body)
	if msg.MediaURL != "" {
		payload.Set("MediaUrl", msg.MediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID string `json:"sid"`
				}
				_ = json.Unmarshal(body, &parsed)
				s.logger.Info("whatsapp message sent", "to", msg.To, "sid", parsed.SID)
				return parsed.SID, nil
			}
			lastErr = fmt.Errorf("messaging: twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return "", lastErr
}

// SendText delivers a plain text body.
func (s *TwilioSender) SendText(ctx context.Context, to, body string) error {
	_, err := s.Send(ctx, Message{To: to, Body: body})
	return err
}

// WaitDelivered polls the message status resource until sid reaches a
// terminal state or the poll timeout elapses. Timing out is not an error;
// delivery receipts can lag well behind actual delivery.
func (s *TwilioSender) WaitDelivered(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json", s.baseURL, s.accountSID, sid)
	for {
		status, err := s.fetchStatus(ctx, endpoint)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if terminalStatuses[status] {
			if status == "failed" || status == "undelivered" {
				return fmt.Errorf("messaging: message %s %s", sid, status)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *TwilioSender) fetchStatus(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("messaging: status lookup failed: %s", formatTwilioError(resp.StatusCode, body))
	}
	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("messaging: decode status: %w", err)
	}
	return parsed.Status, nil
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
