package broker

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-relay/config"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/stats"
)

// State represents the lifecycle state of a broker channel
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// MessageHandler receives messages delivered by a single channel.
type MessageHandler func(msg message.Message)

// Handler receives messages together with the name of the broker they came from.
type Handler func(source string, msg message.Message)

// Channel owns one broker connection and fans its inbound messages out to
// any number of subscribers.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	State() State
	IsRunning() bool
	Publish(msg message.Message) error
	Stream(ctx context.Context) <-chan message.Message
	Subscribe(filter message.Predicate, handler MessageHandler) *Subscription
	Stats() stats.Snapshot
}

// Connector opens a single transport connection. It does not retry.
type Connector interface {
	Connect(ctx context.Context, cfg *config.BrokerConfig, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error)
}

// Retrier repeats op according to a backoff policy.
type Retrier interface {
	Retry(ctx context.Context, op func() error) error
}
