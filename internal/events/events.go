// Package events provides the in-process pub/sub bus that fans session and
// payment lifecycle events out to WebSocket subscribers and webhook delivery.
package events

import (
	"time"

	"github.com/paymeter/paymeter/internal/idgen"
)

// Kind identifies what happened to a session or payment.
type Kind string

const (
	KindSessionStart  Kind = "session:start"
	KindSessionUpdate Kind = "session:update"
	KindSessionPaused Kind = "session:paused"
	KindSessionStop   Kind = "session:stop"
	KindPaymentOK     Kind = "payment:success"
)

// Event is a single lifecycle notification. Every event is addressed to both
// the merchant-scoped and the user-scoped channel of the session it concerns.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	SessionID  string         `json:"sessionId"`
	UserID     string         `json:"userId"`
	MerchantID string         `json:"merchantId"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// New creates an event with a fresh ID and the current UTC timestamp.
func New(kind Kind, sessionID, userID, merchantID string, data map[string]any) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		Kind:       kind,
		SessionID:  sessionID,
		UserID:     userID,
		MerchantID: merchantID,
		At:         time.Now().UTC(),
		Data:       data,
	}
}

// Topics returns the channels this event is delivered on.
func (e Event) Topics() []string {
	topics := make([]string, 0, 2)
	if e.MerchantID != "" {
		topics = append(topics, "merchant:"+e.MerchantID)
	}
	if e.UserID != "" {
		topics = append(topics, "user:"+e.UserID)
	}
	return topics
}
