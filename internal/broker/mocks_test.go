package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-relay/config"
	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/retry"
	"mqtt-relay/internal/stats"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err     error
	timeout bool
	done    chan struct{}
}

func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func newTimeoutToken() *MockToken {
	return &MockToken{timeout: true, done: make(chan struct{})}
}

func (t *MockToken) Wait() bool                       { return !t.timeout }
func (t *MockToken) WaitTimeout(_ time.Duration) bool { return !t.timeout }
func (t *MockToken) Done() <-chan struct{}            { return t.done }
func (t *MockToken) Error() error                     { return t.err }

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 0 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}

type publishCall struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected atomic.Bool

	mu             sync.Mutex
	handlers       map[string]mqtt.MessageHandler
	order          []string
	published      []publishCall
	connectErr     error
	publishErr     error
	publishTimeout bool
	subscribeErr   error
	disconnects    int
}

func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *MockClient) Connect() mqtt.Token {
	m.mu.Lock()
	err := m.connectErr
	m.mu.Unlock()
	if err == nil {
		m.connected.Store(true)
	}
	return NewMockToken(err)
}

func (m *MockClient) Disconnect(_ uint) {
	m.connected.Store(false)
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishTimeout {
		return newTimeoutToken()
	}
	if m.publishErr != nil {
		return NewMockToken(m.publishErr)
	}
	data, _ := payload.([]byte)
	m.published = append(m.published, publishCall{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return NewMockToken(m.subscribeErr)
	}
	if _, ok := m.handlers[topic]; !ok {
		m.order = append(m.order, topic)
	}
	m.handlers[topic] = callback
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}
func (m *MockClient) Unsubscribe(_ ...string) mqtt.Token       { return NewMockToken(nil) }
func (m *MockClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                        { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                   { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

// Deliver simulates an inbound message on the first matching subscription.
func (m *MockClient) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for _, filter := range m.order {
		if message.MatchFilter(filter, topic) {
			handler = m.handlers[filter]
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(m, &MockMessage{topic: topic, payload: payload})
	return true
}

func (m *MockClient) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *MockClient) Published() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishCall, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockClient) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

var errRefused = errors.New("connection refused")

// mockConnector hands out MockClients and remembers their lost handlers.
type mockConnector struct {
	mu         sync.Mutex
	calls      int
	failures   int
	alwaysFail bool
	clients    []*MockClient
	onLost     []mqtt.ConnectionLostHandler
	configure  func(*MockClient)
}

func (c *mockConnector) Connect(ctx context.Context, cfg *config.BrokerConfig, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Broker: cfg.Name, Err: err}
	}
	if c.alwaysFail || c.calls <= c.failures {
		return nil, &ConnectError{Broker: cfg.Name, Err: errRefused}
	}

	client := NewMockClient()
	if c.configure != nil {
		c.configure(client)
	}
	client.connected.Store(true)
	c.clients = append(c.clients, client)
	c.onLost = append(c.onLost, onLost)
	return client, nil
}

func (c *mockConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *mockConnector) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *mockConnector) Last() *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.clients) == 0 {
		return nil
	}
	return c.clients[len(c.clients)-1]
}

func (c *mockConnector) SetAlwaysFail(v bool) {
	c.mu.Lock()
	c.alwaysFail = v
	c.mu.Unlock()
}

// Lose fires the connection-lost handler for connection i.
func (c *mockConnector) Lose(i int, err error) {
	c.mu.Lock()
	client := c.clients[i]
	handler := c.onLost[i]
	c.mu.Unlock()

	client.connected.Store(false)
	handler(client, err)
}

// blockingConnector holds every connect attempt until its context ends.
type blockingConnector struct {
	entered chan struct{}
}

func (b *blockingConnector) Connect(ctx context.Context, cfg *config.BrokerConfig, _ mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, &ConnectError{Broker: cfg.Name, Err: ctx.Err()}
}

func fastRetry(attempts int) *retry.Policy {
	return &retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.5,
		MaxAttempts:     attempts,
	}
}

func testBrokerConfig(name string) *config.BrokerConfig {
	return &config.BrokerConfig{
		Name:           name,
		Host:           "localhost",
		Port:           1883,
		QoS:            1,
		SubscribeTopic: "#",
	}
}

func setupChannel(t *testing.T, conn *mockConnector, attempts, bufferSize int) *MQTTChannel {
	t.Helper()
	ch := NewMQTTChannel(testBrokerConfig("A"), conn, fastRetry(attempts), bufferSize, logger.Nop(), nil)
	t.Cleanup(ch.Stop)
	return ch
}

// fakeChannel implements Channel without any transport.
type fakeChannel struct {
	name string
	dist *multicast

	mu         sync.Mutex
	state      State
	starts     int
	stops      int
	published  []message.Message
	publishErr error
	counters   stats.Counters
}

func newFakeChannel(cfg *config.BrokerConfig) *fakeChannel {
	f := &fakeChannel{name: cfg.Name}
	f.dist = newMulticast(cfg.Name, 16, logger.Nop(), nil, &f.counters)
	return f
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.state = StateRunning
	return nil
}

func (f *fakeChannel) Stop() {
	f.mu.Lock()
	f.stops++
	f.state = StateStopped
	f.mu.Unlock()
	f.dist.closeAll()
}

func (f *fakeChannel) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) IsRunning() bool { return f.State() == StateRunning }

func (f *fakeChannel) Publish(msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &PublishError{Broker: f.name, Topic: msg.Topic, Err: f.publishErr}
	}
	f.published = append(f.published, msg)
	f.counters.IncPublished()
	return nil
}

func (f *fakeChannel) Published() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Message, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeChannel) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeChannel) Stream(ctx context.Context) <-chan message.Message {
	return f.dist.stream(ctx, nil)
}

func (f *fakeChannel) Subscribe(filter message.Predicate, handler MessageHandler) *Subscription {
	return f.dist.subscribe(filter, handler)
}

func (f *fakeChannel) Stats() stats.Snapshot { return f.counters.Snapshot() }

// Inject pushes an inbound message to subscribers.
func (f *fakeChannel) Inject(topic string, payload []byte) {
	f.counters.IncReceived()
	f.dist.publish(message.New(topic, payload))
}

// recordingHub captures events sent by the manager.
type recordingHub struct {
	mu     sync.Mutex
	events []eventhub.Event
}

func (r *recordingHub) SendEvent(e eventhub.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingHub) Events() []eventhub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventhub.Event, len(r.events))
	copy(out, r.events)
	return out
}
