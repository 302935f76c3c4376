package eventhub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"

	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/metrics"
)

// Handler processes one event. ctx is cancelled when a newer event arrives
// for the same subscription or the subscription ends.
type Handler func(ctx context.Context, e Event)

// Hub is an in-process publish/subscribe point between ingestion and routing.
// Each subscription keeps only the latest undelivered event.
type Hub struct {
	subs    *haxmap.Map[string, *Subscription]
	logger  *logger.Logger
	metrics *metrics.Metrics
	closed  atomic.Bool
}

func New(log *logger.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:    haxmap.New[string, *Subscription](),
		logger:  log,
		metrics: m,
	}
}

// SendEvent hands e to every subscription of its kind without blocking.
func (h *Hub) SendEvent(e Event) {
	if e == nil || h.closed.Load() {
		return
	}
	kind := e.Kind()
	h.subs.ForEach(func(_ string, s *Subscription) bool {
		if s.kind == kind {
			s.offer(e)
		}
		return true
	})
}

// Subscribe starts a consumer for events of kind. The handler runs on the
// subscription's own goroutine, one call at a time.
func (h *Hub) Subscribe(kind Kind, handler Handler) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      uuid.NewString(),
		kind:    kind,
		handler: handler,
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.subs.Set(s.id, s)
	if h.closed.Load() {
		s.Cancel()
	}
	go s.run()
	return s
}

// Events exposes a subscription as a channel. Events that arrive while the
// reader is busy replace each other; the channel closes when ctx ends or
// the hub is closed.
func (h *Hub) Events(ctx context.Context, kind Kind) <-chan Event {
	out := make(chan Event)
	sub := h.Subscribe(kind, func(callCtx context.Context, e Event) {
		select {
		case out <- e:
		case <-callCtx.Done():
		case <-ctx.Done():
		}
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done():
		}
		sub.Cancel()
		<-sub.Done()
		close(out)
	}()

	return out
}

// Close ends every subscription. Later sends are ignored.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	var subs []*Subscription
	h.subs.ForEach(func(_ string, s *Subscription) bool {
		subs = append(subs, s)
		return true
	})
	for _, s := range subs {
		s.Cancel()
		<-s.Done()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	return int(h.subs.Len())
}

// Subscription is a single latest-wins consumer.
type Subscription struct {
	id      string
	kind    Kind
	handler Handler
	hub     *Hub

	ctx    context.Context
	cancel context.CancelFunc
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	pending    Event
	inFlight   context.CancelFunc
	hasPending bool
}

func (s *Subscription) ID() string { return s.id }

// Cancel stops delivery. It does not wait for an in-flight handler.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.subs.Del(s.id)
		s.cancel()
	})
}

// Done is closed once the consumer goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	replaced := s.hasPending
	abandoned := s.inFlight != nil
	s.pending = e
	s.hasPending = true
	if abandoned {
		s.inFlight()
		s.inFlight = nil
	}
	s.mu.Unlock()

	if replaced {
		s.hub.metrics.IncEventsConflated(s.kind.String())
	}
	if abandoned {
		s.hub.metrics.IncEventsConflated(s.kind.String())
	}

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() (Event, context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPending {
		return nil, nil, nil, false
	}
	e := s.pending
	s.pending = nil
	s.hasPending = false

	ctx, cancel := context.WithCancel(s.ctx)
	s.inFlight = cancel
	return e, ctx, cancel, true
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		for s.ctx.Err() == nil {
			e, ctx, cancel, ok := s.take()
			if !ok {
				break
			}
			s.invoke(ctx, e)

			s.mu.Lock()
			s.inFlight = nil
			s.mu.Unlock()
			cancel()
		}
	}
}

func (s *Subscription) invoke(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil && s.hub.logger != nil {
			s.hub.logger.Error("event handler panicked",
				"kind", s.kind.String(),
				"panic", r)
		}
	}()
	s.handler(ctx, e)
}
