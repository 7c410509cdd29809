// Package messaging delivers outbound WhatsApp messages through Twilio's
// REST API.
package messaging

import "context"

// Message is one outbound WhatsApp message. MediaURL is optional; Twilio
// renders it as an attachment above the body.
type Message struct {
	To       string
	Body     string
	MediaURL string
}

// Sender dispatches outbound messages. *TwilioSender satisfies it.
type Sender interface {
	// Send delivers msg and returns the provider message SID.
	Send(ctx context.Context, msg Message) (string, error)
	// SendText delivers a plain text body.
	SendText(ctx context.Context, to, body string) error
}

// DeliveryWaiter blocks until a previously sent message reaches a terminal
// delivery state, so multi-part replies arrive in order.
type DeliveryWaiter interface {
	WaitDelivered(ctx context.Context, sid string) error
}
