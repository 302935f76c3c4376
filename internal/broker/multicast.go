package broker

import (
	"context"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/metrics"
	"mqtt-relay/internal/stats"
)

// multicast delivers each inbound message to every subscriber through a
// bounded buffer. A full buffer drops the new message for that subscriber
// only; delivery never blocks.
type multicast struct {
	broker   string
	size     int
	subs     *haxmap.Map[string, *subscriber]
	logger   *logger.Logger
	metrics  *metrics.Metrics
	counters *stats.Counters
}

type subscriber struct {
	id     string
	filter message.Predicate
	ch     chan message.Message
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newMulticast(broker string, size int, log *logger.Logger, m *metrics.Metrics, c *stats.Counters) *multicast {
	if size < 1 {
		size = 1
	}
	return &multicast{
		broker:   broker,
		size:     size,
		subs:     haxmap.New[string, *subscriber](),
		logger:   log,
		metrics:  m,
		counters: c,
	}
}

func (m *multicast) add(filter message.Predicate) *subscriber {
	s := &subscriber{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan message.Message, m.size),
		done:   make(chan struct{}),
	}
	m.subs.Set(s.id, s)
	return s
}

func (m *multicast) remove(id string) {
	if s, ok := m.subs.Get(id); ok {
		m.subs.Del(id)
		s.close()
	}
}

func (m *multicast) publish(msg message.Message) {
	m.subs.ForEach(func(_ string, s *subscriber) bool {
		if s.filter != nil && !s.filter(msg) {
			return true
		}
		if !s.offer(msg) {
			m.counters.IncDropped()
			m.metrics.IncMessagesDropped(m.broker)
			m.logger.Debug("subscriber buffer full, message dropped",
				"broker", m.broker,
				"subscriber", s.id,
				"topic", msg.Topic)
		}
		return true
	})
}

// closeAll ends every current subscriber.
func (m *multicast) closeAll() {
	var ids []string
	m.subs.ForEach(func(id string, _ *subscriber) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		m.remove(id)
	}
}

func (m *multicast) len() int {
	return int(m.subs.Len())
}

// offer reports false when the message could not be buffered.
func (s *subscriber) offer(msg message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// stream returns the subscriber's buffer as a channel that closes when ctx
// ends or the subscriber is removed.
func (m *multicast) stream(ctx context.Context, filter message.Predicate) <-chan message.Message {
	s := m.add(filter)
	go func() {
		select {
		case <-ctx.Done():
			m.remove(s.id)
		case <-s.done:
		}
	}()
	return s.ch
}

// subscribe runs handler for each buffered message on a dedicated goroutine.
func (m *multicast) subscribe(filter message.Predicate, handler MessageHandler) *Subscription {
	s := m.add(filter)
	ctx, cancel := context.WithCancel(context.Background())

	sub := &Subscription{
		id:     s.id,
		cancel: cancel,
		done:   make(chan struct{}),
		remove: func() { m.remove(s.id) },
	}

	go func() {
		defer close(sub.done)
		for msg := range s.ch {
			if ctx.Err() != nil {
				return
			}
			m.deliver(handler, msg)
		}
	}()

	return sub
}

func (m *multicast) deliver(handler MessageHandler, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription handler panicked",
				"broker", m.broker,
				"topic", msg.Topic,
				"panic", r)
		}
	}()
	handler(msg)
}

// Subscription is a handle to a handler attached to a channel.
type Subscription struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	remove func()
	once   sync.Once
}

func (s *Subscription) ID() string { return s.id }

// Cancel stops further delivery to this subscription's handler.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.remove()
	})
}

// Done is closed when the handler goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
