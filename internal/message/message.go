package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemTopicPrefix is the broker's reserved namespace.
const SystemTopicPrefix = "$SYS"

// Type classifies a message by where its topic lives.
type Type int

const (
	TypeNormal Type = iota
	TypeBroker
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeBroker:
		return "broker"
	default:
		return "unknown"
	}
}

// MarshalText lets Type appear as a string in JSON payloads.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Message is the unit moved through the relay. Treat it as immutable once built.
type Message struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// New builds an inbound message with a fresh id. The payload is copied and the
// type is derived from the topic.
func New(topic string, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      TypeOf(topic),
		Topic:     topic,
		Payload:   clone(payload),
		Timestamp: time.Now(),
	}
}

// TypeOf reports TypeBroker for topics under the system namespace.
func TypeOf(topic string) Type {
	if strings.HasPrefix(topic, SystemTopicPrefix) {
		return TypeBroker
	}
	return TypeNormal
}

// Outbound returns the routable part of m: id, topic and payload.
func (m Message) Outbound() Message {
	return Message{
		ID:      m.ID,
		Type:    TypeNormal,
		Topic:   m.Topic,
		Payload: m.Payload,
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Predicate selects messages. A nil Predicate selects every message.
type Predicate func(msg Message) bool

// Any selects every message.
func Any(Message) bool { return true }

// OfType selects messages of type t.
func OfType(t Type) Predicate {
	return func(msg Message) bool { return msg.Type == t }
}
