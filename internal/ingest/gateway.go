package ingest

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"mqtt-relay/config"
	"mqtt-relay/internal/broker"
	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/metrics"
)

const serviceName = "ingest-gateway"

// Source is the part of the broker manager the gateway consumes.
type Source interface {
	Subscribe(handler broker.Handler) []string
	Dispose(id string)
}

// Gateway decides which inbound messages enter the relay. A broker without
// an inject filter passes everything; otherwise only topics that fully
// match the filter are forwarded to the hub as routed events.
type Gateway struct {
	filters map[string]*regexp.Regexp
	source  Source
	hub     eventhub.Sender
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	ids []string
}

func NewGateway(brokers map[string]*config.BrokerConfig, source Source, hub eventhub.Sender, log *logger.Logger, m *metrics.Metrics) (*Gateway, error) {
	filters := make(map[string]*regexp.Regexp)
	for name, cfg := range brokers {
		if cfg == nil || cfg.InjectFilter == "" {
			continue
		}
		re, err := config.CompileFullMatch(cfg.InjectFilter)
		if err != nil {
			return nil, fmt.Errorf("broker %s: invalid inject filter: %w", name, err)
		}
		filters[name] = re
	}

	return &Gateway{
		filters: filters,
		source:  source,
		hub:     hub,
		logger:  log.With("component", serviceName),
		metrics: m,
	}, nil
}

// Start subscribes to every broker. Calling Start on a started gateway is a no-op.
func (g *Gateway) Start(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ids != nil {
		return nil
	}
	g.ids = g.source.Subscribe(g.handle)

	g.hub.SendEvent(eventhub.Started(serviceName))
	g.logger.Info("ingest gateway started",
		"subscriptions", len(g.ids),
		"filtered", len(g.filters))
	return nil
}

// Stop disposes the gateway's subscriptions.
func (g *Gateway) Stop() {
	g.mu.Lock()
	ids := g.ids
	g.ids = nil
	g.mu.Unlock()

	if ids == nil {
		return
	}
	for _, id := range ids {
		g.source.Dispose(id)
	}

	g.hub.SendEvent(eventhub.Stopped(serviceName))
	g.logger.Info("ingest gateway stopped")
}

// Accept reports whether a message from source passes its inject filter.
func (g *Gateway) Accept(source, topic string) bool {
	re, ok := g.filters[source]
	if !ok {
		return true
	}
	return re.MatchString(topic)
}

func (g *Gateway) handle(source string, msg message.Message) {
	if !g.Accept(source, msg.Topic) {
		g.metrics.IncMessagesIngested(source, "rejected")
		return
	}

	g.metrics.IncMessagesIngested(source, "accepted")
	g.hub.SendEvent(eventhub.NewRoutedEvent(source, msg))
}
