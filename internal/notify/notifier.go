package notify

import (
	"context"
	"encoding/json"
	"sync"

	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
)

const serviceName = "nats-notifier"

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// Hub is the part of the event hub the notifier needs.
type Hub interface {
	eventhub.Sender
	Subscribe(kind eventhub.Kind, handler eventhub.Handler) *eventhub.Subscription
}

// messageBody is the JSON document published for a routed message.
type messageBody struct {
	Source string `json:"source"`
	message.Message
}

// Notifier mirrors hub events onto NATS subjects:
//
//	<prefix>.system.<event type>           lifecycle events
//	<prefix>.message.<source>.<topic>      accepted inbound messages
type Notifier struct {
	pub    Publisher
	prefix string
	hub    Hub
	logger *logger.Logger

	mu   sync.Mutex
	subs []*eventhub.Subscription
}

func NewNotifier(pub Publisher, prefix string, hub Hub, log *logger.Logger) *Notifier {
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		hub:    hub,
		logger: log.With("component", serviceName),
	}
}

func (n *Notifier) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs != nil {
		return nil
	}
	n.subs = []*eventhub.Subscription{
		n.hub.Subscribe(eventhub.KindSystem, n.handleEvent),
		n.hub.Subscribe(eventhub.KindRouted, n.handleEvent),
	}

	n.hub.SendEvent(eventhub.Started(serviceName))
	n.logger.Info("notifier started", "prefix", n.prefix)
	return nil
}

// Stop ends the subscriptions and flushes the connection. The connection
// itself belongs to the caller.
func (n *Notifier) Stop() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	if subs == nil {
		return
	}
	for _, s := range subs {
		s.Cancel()
		<-s.Done()
	}

	if err := n.pub.Flush(); err != nil {
		n.logger.Warn("failed to flush notifications", "error", err)
	}

	n.hub.SendEvent(eventhub.Stopped(serviceName))
	n.logger.Info("notifier stopped")
}

func (n *Notifier) handleEvent(_ context.Context, e eventhub.Event) {
	subject, body, err := n.encode(e)
	if err != nil {
		n.logger.Error("failed to encode event", "error", err)
		return
	}
	if subject == "" {
		return
	}

	if err := n.pub.Publish(subject, body); err != nil {
		n.logger.Error("failed to publish notification",
			"subject", subject,
			"error", err)
		return
	}

	n.logger.Debug("published notification",
		"subject", subject,
		"payloadSize", len(body))
}

// encode returns the subject and JSON body for e. Unknown events yield an
// empty subject.
func (n *Notifier) encode(e eventhub.Event) (string, []byte, error) {
	switch ev := e.(type) {
	case eventhub.SystemEvent:
		body, err := json.Marshal(ev)
		return Join(n.prefix, "system", ev.Type), body, err

	case eventhub.RoutedEvent:
		body, err := json.Marshal(messageBody{Source: ev.Source, Message: ev.Data})
		return Join(n.prefix, "message", NormalizeToken(ev.Source), ToNATSSubject(ev.Data.Topic)), body, err

	default:
		return "", nil, nil
	}
}
