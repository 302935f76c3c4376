package router

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-relay/config"
	"mqtt-relay/internal/message"
)

type mockToken struct{ err error }

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }
func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// mockClient is an in-memory paho client: subscriptions receive whatever the
// test delivers, publishes are recorded.
type mockClient struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []message.Message
}

func newMockClient() *mockClient {
	return &mockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *mockClient) IsConnected() bool      { return true }
func (c *mockClient) IsConnectionOpen() bool { return true }
func (c *mockClient) Connect() mqtt.Token    { return &mockToken{} }
func (c *mockClient) Disconnect(uint)        {}

func (c *mockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (c *mockClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	c.mu.Lock()
	c.published = append(c.published, message.Message{Topic: topic, Payload: data})
	c.mu.Unlock()
	return &mockToken{}
}

func (c *mockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return &mockToken{}
}

func (c *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) Unsubscribe(...string) mqtt.Token { return &mockToken{} }

// deliver hands an inbound message to a matching subscription, system
// topics first.
func (c *mockClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler, ok := c.handlers["$SYS/#"]
	if !ok || !message.MatchFilter("$SYS/#", topic) {
		handler = nil
		for filter, h := range c.handlers {
			if message.MatchFilter(filter, topic) {
				handler = h
				break
			}
		}
	}
	c.mu.Unlock()

	if handler != nil {
		handler(c, &mockMessage{topic: topic, payload: payload})
	}
}

func (c *mockClient) Published() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.published))
	copy(out, c.published)
	return out
}

// memConnector hands out one mockClient per broker name.
type memConnector struct {
	mu      sync.Mutex
	clients map[string]*mockClient
}

func newMemConnector() *memConnector {
	return &memConnector{clients: make(map[string]*mockClient)}
}

func (m *memConnector) Connect(_ context.Context, cfg *config.BrokerConfig, _ mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := newMockClient()
	m.clients[cfg.Name] = c
	return c, nil
}

func (m *memConnector) client(name string) *mockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[name]
}
