package twitchapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventSub webhook headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// EventSub message types.
const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// Subscription types the banner service listens to.
const (
	SubscriptionStreamOnline  = "stream.online"
	SubscriptionStreamOffline = "stream.offline"
)

// MaxMessageAge is how old a delivery may be before it is rejected as a replay.
const MaxMessageAge = 10 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid eventsub signature")
	ErrStaleMessage     = errors.New("eventsub message too old")
)

// Subscription is the subscription object echoed in every EventSub message.
type Subscription struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Condition struct {
		BroadcasterUserID string `json:"broadcaster_user_id"`
	} `json:"condition"`
	CreatedAt time.Time `json:"created_at"`
}

// Envelope is the body of an EventSub webhook delivery.
type Envelope struct {
	Subscription Subscription    `json:"subscription"`
	Challenge    string          `json:"challenge,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// StreamEvent covers both stream.online and stream.offline payloads.
type StreamEvent struct {
	ID                   string    `json:"id,omitempty"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	Type                 string    `json:"type,omitempty"`
	StartedAt            time.Time `json:"started_at,omitzero"`
}

// Message is a verified delivery.
type Message struct {
	ID        string
	Type      string
	Timestamp time.Time
	Envelope  Envelope
}

// Sign computes the signature header value for a delivery. Exposed for tests
// and local tooling that simulates Twitch.
func Sign(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyMessage checks the HMAC signature and freshness of a delivery and
// decodes its envelope.
func VerifyMessage(secret string, h http.Header, body []byte, now time.Time) (Message, error) {
	id := h.Get(HeaderMessageID)
	ts := h.Get(HeaderMessageTimestamp)
	sig := h.Get(HeaderMessageSignature)
	if id == "" || ts == "" || sig == "" {
		return Message{}, fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}
	expected := Sign(secret, id, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return Message{}, ErrInvalidSignature
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Message{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, ts)
	}
	if now.Sub(sent) > MaxMessageAge {
		return Message{}, fmt.Errorf("%w: sent %s", ErrStaleMessage, sent.Format(time.RFC3339))
	}
	msg := Message{ID: id, Type: h.Get(HeaderMessageType), Timestamp: sent}
	if err := json.Unmarshal(body, &msg.Envelope); err != nil {
		return Message{}, fmt.Errorf("decode eventsub body: %w", err)
	}
	return msg, nil
}

// StreamEvent decodes the event of a stream.online/offline notification.
func (m Message) StreamEvent() (StreamEvent, error) {
	var ev StreamEvent
	if len(m.Envelope.Event) == 0 {
		return ev, errors.New("notification has no event")
	}
	if err := json.Unmarshal(m.Envelope.Event, &ev); err != nil {
		return ev, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.BroadcasterUserID == "" {
		return ev, errors.New("stream event without broadcaster_user_id")
	}
	return ev, nil
}
