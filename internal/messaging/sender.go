// Package messaging dispatches outbound SMS through Telnyx or Twilio.
package messaging

import "context"

// Sender delivers a single outbound SMS (e.g. a verification code).
type Sender interface {
	Send(ctx context.Context, msg OutboundSMS) error
}

// OutboundSMS carries the data required to push a message to a phone number.
type OutboundSMS struct {
	To       string
	From     string
	Body     string
	Metadata map[string]string
}
