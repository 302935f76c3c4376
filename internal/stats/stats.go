package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Counters tracks per-broker traffic. The zero value is ready to use.
type Counters struct {
	received      atomic.Uint64
	dropped       atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	reconnects    atomic.Uint64
	lastConnect   atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesDropped   uint64    `json:"messages_dropped"`
	MessagesPublished uint64    `json:"messages_published"`
	PublishErrors     uint64    `json:"publish_errors"`
	Reconnects        uint64    `json:"reconnects"`
	LastConnect       time.Time `json:"last_connect,omitempty"`
}

func (c *Counters) IncReceived()      { c.received.Add(1) }
func (c *Counters) IncDropped()       { c.dropped.Add(1) }
func (c *Counters) IncPublished()     { c.published.Add(1) }
func (c *Counters) IncPublishErrors() { c.publishErrors.Add(1) }
func (c *Counters) IncReconnects()    { c.reconnects.Add(1) }

func (c *Counters) MarkConnected(t time.Time) {
	c.lastConnect.Store(t.UnixNano())
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		MessagesReceived:  c.received.Load(),
		MessagesDropped:   c.dropped.Load(),
		MessagesPublished: c.published.Load(),
		PublishErrors:     c.publishErrors.Load(),
		Reconnects:        c.reconnects.Load(),
	}
	if ns := c.lastConnect.Load(); ns != 0 {
		s.LastConnect = time.Unix(0, ns)
	}
	return s
}

// Source supplies per-broker snapshots.
type Source interface {
	Stats() map[string]Snapshot
}

// StatsCollector manages application-wide statistics
type StatsCollector struct {
	StartTime time.Time
	source    Source
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(source Source) *StatsCollector {
	return &StatsCollector{
		StartTime: time.Now(),
		source:    source,
	}
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	brokers := s.source.Stats()

	var received, published, dropped, errors uint64
	for _, b := range brokers {
		received += b.MessagesReceived
		published += b.MessagesPublished
		dropped += b.MessagesDropped
		errors += b.PublishErrors
	}

	return map[string]interface{}{
		"uptime":             time.Since(s.StartTime).String(),
		"messages_received":  received,
		"messages_published": published,
		"messages_dropped":   dropped,
		"publish_errors":     errors,
		"receive_rate":       s.CalculateRate(received),
		"brokers":            brokers,
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns count per second of uptime.
func (s *StatsCollector) CalculateRate(count uint64) float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(count) / uptime
}
