package router

import (
	"context"
	"sync"

	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/metrics"
	"mqtt-relay/internal/rule"
)

const serviceName = "router"

// Publisher sends a message to a named broker.
type Publisher interface {
	Publish(name string, msg message.Message) error
}

// Hub is the part of the event hub the router needs.
type Hub interface {
	eventhub.Sender
	Subscribe(kind eventhub.Kind, handler eventhub.Handler) *eventhub.Subscription
}

// Router forwards every routed event to the destination of each rule whose
// pattern matches the message topic.
type Router struct {
	rules     []rule.Rule
	publisher Publisher
	hub       Hub
	logger    *logger.Logger
	metrics   *metrics.Metrics

	mu  sync.Mutex
	sub *eventhub.Subscription
}

func NewRouter(rules []rule.Rule, publisher Publisher, hub Hub, log *logger.Logger, m *metrics.Metrics) *Router {
	return &Router{
		rules:     rules,
		publisher: publisher,
		hub:       hub,
		logger:    log.With("component", serviceName),
		metrics:   m,
	}
}

// Start subscribes to routed events. The subscription ends when ctx is done
// or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub := r.hub.Subscribe(eventhub.KindRouted, r.handleEvent)
	r.sub = sub

	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()

	r.hub.SendEvent(eventhub.Started(serviceName))
	r.logger.Info("router started", "rules", len(r.rules))
	return nil
}

// Stop cancels the subscription and waits for an in-flight event to finish.
func (r *Router) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Cancel()
	<-sub.Done()

	r.hub.SendEvent(eventhub.Stopped(serviceName))
	r.logger.Info("router stopped")
}

func (r *Router) Rules() []rule.Rule {
	out := make([]rule.Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *Router) handleEvent(ctx context.Context, e eventhub.Event) {
	routed, ok := e.(eventhub.RoutedEvent)
	if !ok {
		return
	}
	r.Route(ctx, routed.Source, routed.Data)
}

// Route publishes msg to every matching destination and returns how many
// rules matched. Broker messages are never routed. A failed publish does
// not stop the remaining rules; a cancelled ctx does.
func (r *Router) Route(ctx context.Context, source string, msg message.Message) int {
	if msg.Type != message.TypeNormal {
		return 0
	}

	out := msg.Outbound()
	matched := 0

	for _, rl := range r.rules {
		if ctx.Err() != nil {
			r.logger.Debug("routing abandoned for newer event",
				"source", source,
				"topic", msg.Topic,
				"id", msg.ID)
			return matched
		}
		if !rl.Matches(msg.Topic) {
			continue
		}

		matched++
		r.metrics.IncRouteMatches(rl.Destination)

		if err := r.publisher.Publish(rl.Destination, out); err != nil {
			r.logger.Error("failed to relay message",
				"source", source,
				"destination", rl.Destination,
				"topic", msg.Topic,
				"id", msg.ID,
				"error", err)
			continue
		}

		r.logger.Debug("message relayed",
			"source", source,
			"destination", rl.Destination,
			"topic", msg.Topic)
	}

	return matched
}
