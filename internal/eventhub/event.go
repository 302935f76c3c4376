package eventhub

import (
	"mqtt-relay/internal/message"
)

// Kind selects which events a subscriber receives.
type Kind int

const (
	KindRouted Kind = iota
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindRouted:
		return "routed"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

const (
	TypeMessageIn = "message.in"
	ServiceStart  = "service.start"
	ServiceStop   = "service.stop"
)

type Event interface {
	Kind() Kind
}

// RoutedEvent carries an accepted inbound message from its source broker.
type RoutedEvent struct {
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Data   message.Message `json:"data"`
}

func NewRoutedEvent(source string, msg message.Message) RoutedEvent {
	return RoutedEvent{Source: source, Type: TypeMessageIn, Data: msg}
}

func (RoutedEvent) Kind() Kind { return KindRouted }

// SystemEvent announces a component lifecycle change.
type SystemEvent struct {
	Type        string `json:"type"`
	ServiceName string `json:"serviceName"`
}

func Started(service string) SystemEvent {
	return SystemEvent{Type: ServiceStart, ServiceName: service}
}

func Stopped(service string) SystemEvent {
	return SystemEvent{Type: ServiceStop, ServiceName: service}
}

func (SystemEvent) Kind() Kind { return KindSystem }

// Sender is the publishing side of the hub.
type Sender interface {
	SendEvent(e Event)
}
