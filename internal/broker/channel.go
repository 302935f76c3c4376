package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
	"mqtt-relay/internal/metrics"
	"mqtt-relay/internal/stats"
)

const (
	systemTopicFilter = message.SystemTopicPrefix + "/#"
	disconnectQuiesce = 250
	operationTimeout  = 5 * time.Second
)

// MQTTChannel is the paho-backed Channel. The paho client is owned by the
// channel and replaced on every (re)connect.
type MQTTChannel struct {
	cfg       *config.BrokerConfig
	connector Connector
	retrier   Retrier
	logger    *logger.Logger
	metrics   *metrics.Metrics
	counters  stats.Counters
	dist      *multicast

	mu     sync.Mutex
	state  State
	client mqtt.Client
	cancel context.CancelFunc
	gen    uint64
	lost   chan struct{}
	wg     sync.WaitGroup
}

func NewMQTTChannel(cfg *config.BrokerConfig, connector Connector, retrier Retrier, bufferSize int, log *logger.Logger, m *metrics.Metrics) *MQTTChannel {
	c := &MQTTChannel{
		cfg:       cfg,
		connector: connector,
		retrier:   retrier,
		logger:    log.With("broker", cfg.Name),
		metrics:   m,
	}
	c.dist = newMulticast(cfg.Name, bufferSize, c.logger, m, &c.counters)
	return c
}

func (c *MQTTChannel) Name() string { return c.cfg.Name }

func (c *MQTTChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MQTTChannel) IsRunning() bool {
	return c.State() == StateRunning
}

func (c *MQTTChannel) Stats() stats.Snapshot {
	return c.counters.Snapshot()
}

// Start connects and subscribes, retrying per the channel's policy. It is a
// no-op unless the channel is stopped. Once running, a supervisor reconnects
// after connection loss until Stop is called or the retries run out.
func (c *MQTTChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{}, 1)
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.lost = lost
	c.state = StateConnecting
	// Stop waits for this run, including the initial connect.
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("starting broker channel",
		"host", c.cfg.Host,
		"port", c.cfg.Port)

	err := c.connect(runCtx)
	if err != nil {
		c.giveUp(runCtx, gen, err)
	}
	go c.supervise(runCtx, gen, lost, err == nil)
	return err
}

// Stop disconnects and ends every stream and subscription.
func (c *MQTTChannel) Stop() {
	c.mu.Lock()
	client := c.client
	wasStopped := c.state == StateStopped
	// cancelled under the lock so an in-flight connect cannot mark the run running
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.client = nil
	c.state = StateStopped
	c.mu.Unlock()

	c.wg.Wait()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	c.dist.closeAll()
	c.metrics.SetBrokerConnected(c.cfg.Name, false)

	if !wasStopped {
		c.logger.Info("broker channel stopped")
	}
}

// Publish sends msg with the broker's QoS and retained=false. It does not retry.
func (c *MQTTChannel) Publish(msg message.Message) error {
	c.mu.Lock()
	client := c.client
	running := c.state == StateRunning
	c.mu.Unlock()

	if !running || client == nil {
		return c.publishFailed(msg.Topic, ErrNotConnected)
	}
	if err := message.ValidateTopicName(msg.Topic); err != nil {
		return c.publishFailed(msg.Topic, err)
	}

	token := client.Publish(msg.Topic, c.cfg.QoS, false, msg.Payload)
	if !token.WaitTimeout(operationTimeout) {
		return c.publishFailed(msg.Topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return c.publishFailed(msg.Topic, err)
	}

	c.counters.IncPublished()
	c.metrics.IncMessagesPublished(c.cfg.Name, "success")
	c.logger.Debug("published message",
		"topic", msg.Topic,
		"id", msg.ID,
		"payloadSize", len(msg.Payload))
	return nil
}

func (c *MQTTChannel) publishFailed(topic string, err error) error {
	c.counters.IncPublishErrors()
	c.metrics.IncMessagesPublished(c.cfg.Name, "error")
	return &PublishError{Broker: c.cfg.Name, Topic: topic, Err: err}
}

// Stream returns a bounded channel of inbound messages. It closes when ctx
// ends or the channel stops.
func (c *MQTTChannel) Stream(ctx context.Context) <-chan message.Message {
	return c.dist.stream(ctx, nil)
}

// Subscribe runs handler for every inbound message accepted by filter. A nil
// filter accepts everything, including system topics.
func (c *MQTTChannel) Subscribe(filter message.Predicate, handler MessageHandler) *Subscription {
	return c.dist.subscribe(filter, handler)
}

func (c *MQTTChannel) connect(ctx context.Context) error {
	attempt := 0
	return c.retrier.Retry(ctx, func() error {
		attempt++
		client, err := c.connector.Connect(ctx, c.cfg, c.handleConnectionLost)
		if err != nil {
			c.logger.Warn("connect attempt failed",
				"attempt", attempt,
				"error", err)
			return err
		}

		if err := c.subscribe(client); err != nil {
			c.logger.Warn("subscribe failed",
				"attempt", attempt,
				"error", err)
			client.Disconnect(0)
			return err
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			client.Disconnect(0)
			return ctx.Err()
		}
		c.client = client
		c.state = StateRunning
		c.mu.Unlock()

		c.counters.MarkConnected(time.Now())
		c.metrics.SetBrokerConnected(c.cfg.Name, true)
		c.logger.Info("broker channel running", "attempt", attempt)
		return nil
	})
}

func (c *MQTTChannel) subscribe(client mqtt.Client) error {
	topics := []string{systemTopicFilter}
	if c.cfg.SubscribeTopic != systemTopicFilter {
		topics = append(topics, c.cfg.SubscribeTopic)
	}

	for _, topic := range topics {
		token := client.Subscribe(topic, c.cfg.QoS, c.handleMessage)
		if !token.WaitTimeout(operationTimeout) {
			return fmt.Errorf("subscribe to %s: %w", topic, ErrTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

func (c *MQTTChannel) handleMessage(_ mqtt.Client, m mqtt.Message) {
	msg := message.New(m.Topic(), m.Payload())

	c.counters.IncReceived()
	c.metrics.IncMessagesReceived(c.cfg.Name, msg.Type.String())

	c.dist.publish(msg)
}

func (c *MQTTChannel) handleConnectionLost(client mqtt.Client, err error) {
	c.mu.Lock()
	if c.state != StateRunning || c.client != client {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.client = nil
	lost := c.lost
	c.mu.Unlock()

	c.logger.Warn("broker connection lost", "error", err)
	c.counters.IncReconnects()
	c.metrics.IncReconnects(c.cfg.Name)
	c.metrics.SetBrokerConnected(c.cfg.Name, false)

	select {
	case lost <- struct{}{}:
	default:
	}
}

// supervise reconnects after each connection loss until ctx ends. It returns
// at once when the initial connect failed.
func (c *MQTTChannel) supervise(ctx context.Context, gen uint64, lost <-chan struct{}, connected bool) {
	defer c.wg.Done()

	if !connected {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
		}

		c.logger.Info("reconnecting to broker")
		if err := c.connect(ctx); err != nil {
			c.giveUp(ctx, gen, err)
			return
		}
	}
}

// giveUp moves the run identified by gen to stopped. A run that has already
// been stopped or replaced is left alone.
func (c *MQTTChannel) giveUp(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	c.client = nil
	c.state = StateStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.metrics.SetBrokerConnected(c.cfg.Name, false)

	if ctx.Err() != nil {
		c.logger.Info("broker channel start cancelled", "error", err)
		return
	}
	c.logger.Error("giving up on broker", "error", err)
}
