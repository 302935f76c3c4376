package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"mqtt-relay/config"
	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/metrics"
	"mqtt-relay/internal/retry"
	"mqtt-relay/internal/stats"
)

const managerService = "broker-manager"

// ChannelFactory builds the channel for one broker configuration.
type ChannelFactory func(cfg *config.BrokerConfig) Channel

type ManagerOption func(*Manager)

// WithChannelFactory replaces the default paho-backed channels.
func WithChannelFactory(f ChannelFactory) ManagerOption {
	return func(m *Manager) { m.factory = f }
}

func WithConnector(c Connector) ManagerOption {
	return func(m *Manager) { m.connector = c }
}

func WithRetrier(r Retrier) ManagerOption {
	return func(m *Manager) { m.retrier = r }
}

func WithBufferSize(n int) ManagerOption {
	return func(m *Manager) { m.bufferSize = n }
}

// WithUnknownDestinationPolicy sets what Publish does for an unconfigured
// broker name: config.UnknownDestinationIgnore or config.UnknownDestinationError.
func WithUnknownDestinationPolicy(policy string) ManagerOption {
	return func(m *Manager) { m.unknownPolicy = policy }
}

// Manager owns one Channel per configured broker and the registry of
// subscriptions made through it. The broker set is fixed at construction.
type Manager struct {
	channels      map[string]Channel
	names         []string
	subscriptions *haxmap.Map[string, *registration]

	hub     eventhub.Sender
	logger  *logger.Logger
	metrics *metrics.Metrics

	factory       ChannelFactory
	connector     Connector
	retrier       Retrier
	bufferSize    int
	unknownPolicy string

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a new broker manager instance
func NewManager(cfgs map[string]*config.BrokerConfig, hub eventhub.Sender, log *logger.Logger, m *metrics.Metrics, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		channels:      make(map[string]Channel, len(cfgs)),
		subscriptions: haxmap.New[string, *registration](),
		hub:           hub,
		logger:        log.With("component", managerService),
		metrics:       m,
		bufferSize:    config.DefaultBufferSize,
		unknownPolicy: config.UnknownDestinationIgnore,
	}

	for _, opt := range opts {
		opt(mgr)
	}

	if mgr.factory == nil {
		if mgr.connector == nil {
			mgr.connector = NewMQTTConnector()
		}
		if mgr.retrier == nil {
			mgr.retrier = &retry.Policy{
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
			}
		}
		mgr.factory = func(cfg *config.BrokerConfig) Channel {
			return NewMQTTChannel(cfg, mgr.connector, mgr.retrier, mgr.bufferSize, log, m)
		}
	}

	for name, cfg := range cfgs {
		if cfg.Name == "" {
			cfg.Name = name
		}
		mgr.channels[name] = mgr.factory(cfg)
		mgr.names = append(mgr.names, name)
	}
	sort.Strings(mgr.names)

	return mgr
}

// Start re-attaches subscriptions detached by a previous Stop, then launches
// every channel's Start concurrently and returns without waiting for them to
// reach the running state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return nil
	}

	m.subscriptions.ForEach(func(_ string, r *registration) bool {
		r.attach(m.channels[r.broker])
		return true
	})

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, name := range m.names {
		ch := m.channels[name]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := ch.Start(runCtx); err != nil {
				m.logger.Debug("broker channel did not start",
					"broker", ch.Name(),
					"error", err)
			}
		}()
	}

	m.sendEvent(eventhub.Started(managerService))
	m.running.Store(true)
	m.logger.Info("broker manager started", "brokers", len(m.names))
	return nil
}

// Stop disconnects all managed brokers. Stopping a channel ends its streams,
// so registered subscriptions are detached and kept for the next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	for _, name := range m.names {
		m.channels[name].Stop()
	}
	m.wg.Wait()

	m.subscriptions.ForEach(func(_ string, r *registration) bool {
		r.detach()
		return true
	})

	m.sendEvent(eventhub.Stopped(managerService))
	m.running.Store(false)
	m.logger.Info("broker manager stopped")
}

// IsRunning reports whether Start has completed and Stop has not run since.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// Publish sends msg through the named broker's channel. An unknown name is a
// no-op unless the unknown destination policy is "error".
func (m *Manager) Publish(name string, msg message.Message) error {
	ch, ok := m.channels[name]
	if !ok {
		if m.unknownPolicy == config.UnknownDestinationError {
			return fmt.Errorf("%w: %s", ErrUnknownDestination, name)
		}
		m.logger.Debug("publish to unknown broker ignored",
			"broker", name,
			"topic", msg.Topic)
		return nil
	}
	return ch.Publish(msg)
}

// SubscribeBroker attaches handler to the messages of one broker accepted by
// filter and returns the subscription id. A nil filter accepts everything.
// The subscription survives Stop and Start until it is disposed.
func (m *Manager) SubscribeBroker(name string, filter message.Predicate, handler Handler) (string, error) {
	ch, ok := m.channels[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}

	r := &registration{broker: name, filter: filter, handler: handler}
	r.attach(ch)

	id := uuid.NewString()
	m.subscriptions.Set(id, r)
	return id, nil
}

// SubscribeAll attaches handler to every broker. Ids are returned in broker
// name order.
func (m *Manager) SubscribeAll(filter message.Predicate, handler Handler) []string {
	ids := make([]string, 0, len(m.names))
	for _, name := range m.names {
		id, err := m.SubscribeBroker(name, filter, handler)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Subscribe attaches handler to every message from every broker.
func (m *Manager) Subscribe(handler Handler) []string {
	return m.SubscribeAll(message.Any, handler)
}

// Dispose cancels one subscription. Unknown ids are ignored.
func (m *Manager) Dispose(id string) {
	r, ok := m.subscriptions.Get(id)
	if !ok {
		return
	}
	m.subscriptions.Del(id)
	r.dispose()
}

// DisposeAll cancels every subscription made through the manager.
func (m *Manager) DisposeAll() {
	var ids []string
	m.subscriptions.ForEach(func(id string, _ *registration) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		m.Dispose(id)
	}
}

// Channel returns the channel for name.
func (m *Manager) Channel(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the configured broker names in sorted order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Stats returns a snapshot per broker.
func (m *Manager) Stats() map[string]stats.Snapshot {
	out := make(map[string]stats.Snapshot, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Stats()
	}
	return out
}

// States returns the lifecycle state per broker.
func (m *Manager) States() map[string]State {
	out := make(map[string]State, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.State()
	}
	return out
}

func (m *Manager) sendEvent(e eventhub.Event) {
	if m.hub != nil {
		m.hub.SendEvent(e)
	}
}

// registration is a manager-level subscription. It outlives the channel
// subscription it is currently attached to.
type registration struct {
	broker  string
	filter  message.Predicate
	handler Handler

	mu       sync.Mutex
	sub      *Subscription
	disposed bool
}

func (r *registration) attach(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed || r.sub != nil {
		return
	}
	r.sub = ch.Subscribe(r.filter, func(msg message.Message) {
		r.handler(r.broker, msg)
	})
}

func (r *registration) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}
}

func (r *registration) dispose() {
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
	r.detach()
}
