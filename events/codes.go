package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformedEvent signals a payload that is not a provider envelope.
	ErrMalformedEvent = errors.New("events: malformed event")
	// ErrTopicMismatch signals a topic that does not name a merchant channel.
	ErrTopicMismatch = errors.New("events: topic does not match merchant")
)

const topicPrefix = "merchant#"

// Provider event codes as published on the merchant channel.
const (
	CodeSigningFailed          = "ds000001"
	CodeSignerDeclined         = "ds000002"
	CodePlatformSignerDeclined = "ds000003"
	CodeMerchantSigned         = "mr000017"
	CodePlatformSigned         = "mr000018"
)

// Kind is the decoded meaning of a provider code.
type Kind int

const (
	KindUnknown Kind = iota
	KindSigningFailed
	KindCounterpartyDeclined
	KindPlatformRejected
	KindMerchantSigned
	KindPlatformCountersigned
)

func (k Kind) String() string {
	switch k {
	case KindSigningFailed:
		return "signing_failed"
	case KindCounterpartyDeclined:
		return "counterparty_declined"
	case KindPlatformRejected:
		return "platform_rejected"
	case KindMerchantSigned:
		return "merchant_signed"
	case KindPlatformCountersigned:
		return "platform_countersigned"
	default:
		return "unknown"
	}
}

var kindsByCode = map[string]Kind{
	CodeSigningFailed:          KindSigningFailed,
	CodeSignerDeclined:         KindCounterpartyDeclined,
	CodePlatformSignerDeclined: KindPlatformRejected,
	CodeMerchantSigned:         KindMerchantSigned,
	CodePlatformSigned:         KindPlatformCountersigned,
}

// KindOf maps a provider code onto its Kind.
func KindOf(code string) Kind {
	return kindsByCode[code]
}

// Event is a decoded provider notification scoped to one merchant.
type Event struct {
	ID         string
	Kind       Kind
	Code       string
	MerchantID string
	Timestamp  time.Time
	Payload    json.RawMessage
}

// Envelope is the wire shape carried on the merchant channel.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Code      string          `json:"code"`
	Timestamp int64           `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message is a raw delivery from a Subscriber.
type Message struct {
	Topic string
	Data  []byte
}

// Topic is the channel name for a merchant.
func Topic(merchantID string) string {
	return topicPrefix + merchantID
}

// MerchantFromTopic extracts the merchant id from a channel name.
func MerchantFromTopic(topic string) (string, error) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrTopicMismatch, topic)
	}
	return id, nil
}

// Decode turns a raw channel message into an Event.
func Decode(msg Message) (Event, error) {
	merchantID, err := MerchantFromTopic(msg.Topic)
	if err != nil {
		return Event{}, err
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	code := strings.TrimSpace(env.Code)
	if code == "" {
		return Event{}, fmt.Errorf("%w: missing code", ErrMalformedEvent)
	}

	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}

	return Event{
		ID:         id,
		Kind:       KindOf(code),
		Code:       code,
		MerchantID: merchantID,
		Timestamp:  timestamp(env.Timestamp),
		Payload:    env.Payload,
	}, nil
}

// Encode builds the wire payload for code. Used by publishers.
func Encode(id, code string, at time.Time, payload json.RawMessage) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("events: code required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	return json.Marshal(Envelope{
		ID:        id,
		Code:      code,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	})
}

// timestamp accepts seconds or milliseconds since the epoch.
func timestamp(ts int64) time.Time {
	switch {
	case ts <= 0:
		return time.Time{}
	case ts < 1e12:
		return time.Unix(ts, 0).UTC()
	default:
		return time.UnixMilli(ts).UTC()
	}
}
