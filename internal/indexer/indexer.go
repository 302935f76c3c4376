package indexer

import (
	"context"
	"sync"

	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
)

const serviceName = "message-indexer"

// Sink stores relayed messages outside the process.
type Sink interface {
	Write(source string, msg message.Message)
	Flush()
	Close()
}

// Hub is the part of the event hub the indexer needs.
type Hub interface {
	eventhub.Sender
	Subscribe(kind eventhub.Kind, handler eventhub.Handler) *eventhub.Subscription
}

// Indexer records every event seen on the hub: routed messages and
// lifecycle events go to the log, normal messages also to the sink.
type Indexer struct {
	hub    Hub
	sink   Sink
	logger *logger.Logger

	mu   sync.Mutex
	subs []*eventhub.Subscription
}

// New creates an indexer. sink may be nil.
func New(hub Hub, sink Sink, log *logger.Logger) *Indexer {
	return &Indexer{
		hub:    hub,
		sink:   sink,
		logger: log.With("component", serviceName),
	}
}

func (x *Indexer) Start(_ context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.subs != nil {
		return nil
	}
	x.subs = []*eventhub.Subscription{
		x.hub.Subscribe(eventhub.KindRouted, x.handleRouted),
		x.hub.Subscribe(eventhub.KindSystem, x.handleSystem),
	}

	x.hub.SendEvent(eventhub.Started(serviceName))
	x.logger.Info("message indexer started", "sink", x.sink != nil)
	return nil
}

// Stop ends the subscriptions, then flushes and closes the sink.
func (x *Indexer) Stop() {
	x.mu.Lock()
	subs := x.subs
	x.subs = nil
	x.mu.Unlock()

	if subs == nil {
		return
	}
	for _, s := range subs {
		s.Cancel()
		<-s.Done()
	}

	if x.sink != nil {
		x.sink.Close()
	}

	x.hub.SendEvent(eventhub.Stopped(serviceName))
	x.logger.Info("message indexer stopped")
}

func (x *Indexer) handleRouted(_ context.Context, e eventhub.Event) {
	routed, ok := e.(eventhub.RoutedEvent)
	if !ok {
		return
	}
	msg := routed.Data

	x.logger.Info("message",
		"source", routed.Source,
		"id", msg.ID,
		"type", msg.Type.String(),
		"topic", msg.Topic,
		"payloadSize", len(msg.Payload))

	if x.sink != nil && msg.Type == message.TypeNormal {
		x.sink.Write(routed.Source, msg)
	}
}

func (x *Indexer) handleSystem(_ context.Context, e eventhub.Event) {
	se, ok := e.(eventhub.SystemEvent)
	if !ok {
		return
	}
	x.logger.Info("system event",
		"type", se.Type,
		"service", se.ServiceName)
}
