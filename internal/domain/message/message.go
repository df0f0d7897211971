// Package message holds the broker's wire-level data model: messages,
// subscriptions, filters, and rate-limit buckets (spec §3, §4.7).
package message

import (
	"time"

	"github.com/google/uuid"

	herr "github.com/connectias/pluginhost/internal/obs/errors"
)

// MaxPayloadBytes is the hard ceiling on a message payload (10 MiB), shared
// by the broker and the IPC transport.
const MaxPayloadBytes = 10 * 1024 * 1024

// MinTimestamp/MaxTimestamp bound a message's Unix-seconds timestamp to
// [2000-01-01, 2100-01-01], per spec §3 and §6.
const (
	MinTimestamp int64 = 946684800
	MaxTimestamp int64 = 4102444800
)

// Type enumerates the kinds a Message may carry.
type Type string

const (
	TypeRequest   Type = "Request"
	TypeResponse  Type = "Response"
	TypeEvent     Type = "Event"
	TypeBroadcast Type = "Broadcast"
	TypePrivate   Type = "Private"
	TypeSystem    Type = "System"
	TypeHeartbeat Type = "Heartbeat"
	TypeError     Type = "Error"
)

// Priority enumerates delivery priority; the dispatcher does not currently
// reorder by priority (delivery is strictly publish-order per topic,
// spec §5), but priority is preserved for filters and future schedulers.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// Message is one unit of broker traffic.
type Message struct {
	Topic       string
	SenderID    string
	RecipientID string // set for Private/Response
	Payload     []byte
	Timestamp   int64
	MessageID   string
	Type        Type
	// RequestID correlates a Response to its originating Request.
	RequestID string
	// ErrorCode is set when Type == TypeError.
	ErrorCode string
	Priority  Priority
	TTL       time.Duration
}

// New builds a Message with a generated UUID and current timestamp, ready
// for Validate.
func New(topic, senderID string, payload []byte, msgType Type, priority Priority) Message {
	return Message{
		Topic:     topic,
		SenderID:  senderID,
		Payload:   payload,
		Timestamp: time.Now().UTC().Unix(),
		MessageID: uuid.NewString(),
		Type:      msgType,
		Priority:  priority,
	}
}

// Validate enforces the invariants tested in spec §8: non-empty topic,
// sender, message ID; message ID is a UUID; payload under the size limit;
// timestamp within bounds. This same check runs on the sender side (IPC)
// and the broker's publish path.
func (m Message) Validate() error {
	if m.Topic == "" {
		return herr.InvalidInput("topic", "must not be empty")
	}
	if m.SenderID == "" {
		return herr.InvalidInput("sender_id", "must not be empty")
	}
	if m.MessageID == "" {
		return herr.InvalidInput("message_id", "must not be empty")
	}
	if _, err := uuid.Parse(m.MessageID); err != nil {
		return herr.InvalidInput("message_id", "must be a valid UUID")
	}
	if len(m.Payload) > MaxPayloadBytes {
		return herr.InvalidInput("payload", "exceeds maximum size")
	}
	if m.Timestamp < MinTimestamp || m.Timestamp > MaxTimestamp {
		return herr.InvalidInput("timestamp", "out of bounds")
	}
	return nil
}
