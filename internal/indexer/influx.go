package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/message"
)

const (
	defaultMeasurement   = "relay_messages"
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	pingTimeout          = 5 * time.Second
)

var ErrInfluxUnhealthy = errors.New("influxdb server not healthy")

// InfluxSink writes one point per relayed message through the non-blocking
// write API. Failed batches are reported on the log.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	logger      *logger.Logger
}

// NewInfluxSink connects to InfluxDB and verifies the server with a ping.
func NewInfluxSink(ctx context.Context, cfg config.InfluxConfig, log *logger.Logger) (*InfluxSink, error) {
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid influx flush interval: %w", err)
		}
		flush = d
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnhealthy
	}

	return newInfluxSink(client, cfg.Org, cfg.Bucket, cfg.Measurement, log), nil
}

func newInfluxSink(client influxdb2.Client, org, bucket, measurement string, log *logger.Logger) *InfluxSink {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	s := &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPI(org, bucket),
		measurement: measurement,
		logger:      log.With("sink", "influxdb"),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())
	return s
}

// handleWriteErrors runs until the write API is closed.
func (s *InfluxSink) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		s.logger.Error("influxdb write failed", "error", err)
	}
}

// Write queues a point for msg. It does not block on the network.
func (s *InfluxSink) Write(source string, msg message.Message) {
	s.writeAPI.WritePoint(pointFor(s.measurement, source, msg))
}

func (s *InfluxSink) Flush() {
	s.writeAPI.Flush()
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

func pointFor(measurement, source string, msg message.Message) *write.Point {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"source": source,
			"topic":  msg.Topic,
		},
		map[string]interface{}{
			"id":   msg.ID,
			"size": len(msg.Payload),
		},
		ts,
	)
}
