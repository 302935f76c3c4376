package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func TestChannelStartStop(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)

	assert.Equal(t, StateStopped, ch.State())
	require.NoError(t, ch.Start(context.Background()))

	assert.Equal(t, StateRunning, ch.State())
	assert.True(t, ch.IsRunning())
	assert.Equal(t, "A", ch.Name())

	client := conn.Last()
	require.NotNil(t, client)
	assert.Equal(t, []string{"$SYS/#", "#"}, client.Subscriptions())
	assert.False(t, ch.Stats().LastConnect.IsZero())

	ch.Stop()
	assert.Equal(t, StateStopped, ch.State())
	assert.False(t, ch.IsRunning())
	assert.Equal(t, 1, client.Disconnects())

	// stopping twice is harmless
	ch.Stop()
	assert.Equal(t, 1, client.Disconnects())
}

func TestChannelStartIsIdempotent(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Start(context.Background()))

	assert.Equal(t, 1, conn.Calls())
}

func TestChannelStartRetries(t *testing.T) {
	conn := &mockConnector{failures: 2}
	ch := setupChannel(t, conn, 5, 8)

	require.NoError(t, ch.Start(context.Background()))
	assert.True(t, ch.IsRunning())
	assert.Equal(t, 3, conn.Calls())
}

func TestChannelGivesUp(t *testing.T) {
	conn := &mockConnector{alwaysFail: true}
	ch := setupChannel(t, conn, 3, 8)

	err := ch.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, errRefused)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "A", connErr.Broker)

	assert.Equal(t, StateStopped, ch.State())
	assert.Equal(t, 3, conn.Calls())
}

func TestChannelSubscribeFailureRetries(t *testing.T) {
	attempt := 0
	conn := &mockConnector{configure: func(c *MockClient) {
		attempt++
		if attempt == 1 {
			c.subscribeErr = errors.New("not authorized")
		}
	}}
	ch := setupChannel(t, conn, 3, 8)

	require.NoError(t, ch.Start(context.Background()))
	assert.Equal(t, 2, conn.Connections())
	assert.True(t, ch.IsRunning())
}

func TestChannelStartCancelled(t *testing.T) {
	conn := &mockConnector{alwaysFail: true}
	ch := setupChannel(t, conn, 0, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Start(ctx) }()

	assert.Eventually(t, func() bool { return conn.Calls() > 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, ch.State())

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("start did not return after cancel")
	}
	assert.Equal(t, StateStopped, ch.State())
}

func TestChannelStopDuringStart(t *testing.T) {
	conn := &blockingConnector{entered: make(chan struct{}, 1)}
	ch := NewMQTTChannel(testBrokerConfig("A"), conn, fastRetry(0), 8, logger.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- ch.Start(context.Background()) }()

	select {
	case <-conn.entered:
	case <-time.After(waitFor):
		t.Fatal("connect never attempted")
	}

	stopped := make(chan struct{})
	go func() {
		ch.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("stop did not return while start was connecting")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("start did not return after stop")
	}
	assert.Equal(t, StateStopped, ch.State())
}

func TestChannelMessageTypes(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)
	require.NoError(t, ch.Start(context.Background()))

	stream := ch.Stream(context.Background())

	client := conn.Last()
	require.True(t, client.Deliver("$SYS/broker/uptime", []byte("42")))
	require.True(t, client.Deliver("sensor/temp", []byte("21.5")))

	first := <-stream
	assert.Equal(t, message.TypeBroker, first.Type)
	assert.Equal(t, "$SYS/broker/uptime", first.Topic)

	second := <-stream
	assert.Equal(t, message.TypeNormal, second.Type)
	assert.Equal(t, []byte("21.5"), second.Payload)
	assert.NotEmpty(t, second.ID)

	assert.Equal(t, uint64(2), ch.Stats().MessagesReceived)
}

func TestChannelReconnectResumesDelivery(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 5, 8)
	require.NoError(t, ch.Start(context.Background()))

	received := make(chan string, 10)
	ch.Subscribe(message.Any, func(msg message.Message) {
		received <- msg.Topic
	})

	conn.Last().Deliver("before/loss", nil)
	assert.Equal(t, "before/loss", <-received)

	conn.Lose(0, errors.New("network down"))

	assert.Eventually(t, func() bool {
		return conn.Connections() == 2 && ch.IsRunning()
	}, waitFor, tick)

	second := conn.Last()
	assert.Equal(t, []string{"$SYS/#", "#"}, second.Subscriptions())

	second.Deliver("after/reconnect", nil)
	select {
	case topic := <-received:
		assert.Equal(t, "after/reconnect", topic)
	case <-time.After(waitFor):
		t.Fatal("subscriber not served after reconnect")
	}

	assert.Equal(t, uint64(1), ch.Stats().Reconnects)
}

func TestChannelReconnectExhausted(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)
	require.NoError(t, ch.Start(context.Background()))

	conn.SetAlwaysFail(true)
	conn.Lose(0, errors.New("network down"))

	assert.Eventually(t, func() bool {
		return ch.State() == StateStopped
	}, waitFor, tick)
	assert.Equal(t, 4, conn.Calls())

	err := ch.Publish(message.New("a/b", nil))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannelStaleConnectionLostIgnored(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 5, 8)
	require.NoError(t, ch.Start(context.Background()))

	conn.Lose(0, errors.New("first"))
	assert.Eventually(t, func() bool {
		return conn.Connections() == 2 && ch.IsRunning()
	}, waitFor, tick)

	// a late callback from the old client must not disturb the new connection
	conn.Lose(0, errors.New("late"))
	assert.Never(t, func() bool {
		return !ch.IsRunning() || conn.Connections() != 2
	}, 50*time.Millisecond, tick)
}

func TestChannelPublish(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)
	require.NoError(t, ch.Start(context.Background()))

	msg := message.New("sensor/temp", []byte("21.5"))
	require.NoError(t, ch.Publish(msg))

	calls := conn.Last().Published()
	require.Len(t, calls, 1)
	assert.Equal(t, "sensor/temp", calls[0].Topic)
	assert.Equal(t, byte(1), calls[0].QoS)
	assert.False(t, calls[0].Retained)
	assert.Equal(t, []byte("21.5"), calls[0].Payload)
	assert.Equal(t, uint64(1), ch.Stats().MessagesPublished)
}

func TestChannelPublishErrors(t *testing.T) {
	transportErr := errors.New("broken pipe")

	tests := []struct {
		name      string
		start     bool
		configure func(*MockClient)
		topic     string
		wantIs    error
	}{
		{name: "not running", start: false, topic: "a/b", wantIs: ErrNotConnected},
		{name: "invalid topic", start: true, topic: "a/#"},
		{name: "transport error", start: true, topic: "a/b", wantIs: transportErr,
			configure: func(c *MockClient) { c.publishErr = transportErr }},
		{name: "timeout", start: true, topic: "a/b", wantIs: ErrTimeout,
			configure: func(c *MockClient) { c.publishTimeout = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &mockConnector{configure: tt.configure}
			ch := setupChannel(t, conn, 3, 8)
			if tt.start {
				require.NoError(t, ch.Start(context.Background()))
			}

			err := ch.Publish(message.New(tt.topic, []byte("x")))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPublishFailed)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}

			var pubErr *PublishError
			require.ErrorAs(t, err, &pubErr)
			assert.Equal(t, "A", pubErr.Broker)
			assert.Equal(t, tt.topic, pubErr.Topic)
			assert.Equal(t, uint64(1), ch.Stats().PublishErrors)
		})
	}
}

func TestStreamBoundedBufferKeepsOldest(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 3)
	require.NoError(t, ch.Start(context.Background()))

	stream := ch.Stream(context.Background())
	client := conn.Last()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			client.Deliver(fmt.Sprintf("t/%d", i), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("arrival path blocked on a full subscriber")
	}

	var topics []string
	for len(topics) < 3 {
		topics = append(topics, (<-stream).Topic)
	}
	assert.Equal(t, []string{"t/0", "t/1", "t/2"}, topics)

	select {
	case msg := <-stream:
		t.Fatalf("unexpected extra message %s", msg.Topic)
	default:
	}

	assert.Equal(t, uint64(7), ch.Stats().MessagesDropped)
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 2)
	require.NoError(t, ch.Start(context.Background()))

	slow := ch.Stream(context.Background())

	var mu sync.Mutex
	var fast []string
	ch.Subscribe(message.Any, func(msg message.Message) {
		mu.Lock()
		fast = append(fast, msg.Topic)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		conn.Last().Deliver(fmt.Sprintf("t/%d", i), nil)
		// let the fast subscriber drain between arrivals
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(fast) == i+1
		}, waitFor, tick)
	}

	assert.Len(t, slow, 2)
}

func TestStopEndsStreamsAndSubscriptions(t *testing.T) {
	conn := &mockConnector{}
	ch := NewMQTTChannel(testBrokerConfig("A"), conn, fastRetry(3), 4, logger.Nop(), nil)
	require.NoError(t, ch.Start(context.Background()))

	stream := ch.Stream(context.Background())
	sub := ch.Subscribe(message.Any, func(message.Message) {})

	ch.Stop()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("stream not closed on stop")
	}

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription not ended on stop")
	}
}

func TestStreamContextCancel(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 4)

	ctx, cancel := context.WithCancel(context.Background())
	stream := ch.Stream(ctx)
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
	assert.Equal(t, 0, ch.dist.len())
}

func TestSubscriptionCancelAndFilter(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)
	require.NoError(t, ch.Start(context.Background()))

	cancelled := make(chan string, 10)
	sensors := make(chan string, 10)

	sub := ch.Subscribe(message.Any, func(msg message.Message) { cancelled <- msg.Topic })
	ch.Subscribe(message.FilterTopic("sensor/+"), func(msg message.Message) { sensors <- msg.Topic })

	sub.Cancel()
	<-sub.Done()

	client := conn.Last()
	client.Deliver("status/ok", nil)
	client.Deliver("sensor/temp", nil)

	select {
	case topic := <-sensors:
		assert.Equal(t, "sensor/temp", topic)
	case <-time.After(waitFor):
		t.Fatal("filtered subscriber not served")
	}
	assert.Len(t, sensors, 0)
	assert.Len(t, cancelled, 0)
}

func TestSubscriptionHandlerPanic(t *testing.T) {
	conn := &mockConnector{}
	ch := setupChannel(t, conn, 3, 8)
	require.NoError(t, ch.Start(context.Background()))

	received := make(chan string, 2)
	ch.Subscribe(message.Any, func(msg message.Message) {
		received <- msg.Topic
		if msg.Topic == "bad" {
			panic("handler failure")
		}
	})

	client := conn.Last()
	client.Deliver("bad", nil)
	client.Deliver("good", nil)

	assert.Equal(t, "bad", <-received)
	select {
	case topic := <-received:
		assert.Equal(t, "good", topic)
	case <-time.After(waitFor):
		t.Fatal("subscription died after panic")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(9).String())
}
