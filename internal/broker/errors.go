package broker

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed      = errors.New("broker connect failed")
	ErrPublishFailed      = errors.New("broker publish failed")
	ErrNotConnected       = errors.New("not connected to broker")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnknownDestination = errors.New("unknown destination broker")
	ErrUnknownBroker      = errors.New("broker not found")
)

// ConnectError is returned when a transport connection could not be made.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// PublishError is returned when an outbound send could not be completed.
type PublishError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to broker %s topic %q: %v", e.Broker, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }
