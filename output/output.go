// Package output defines the downstream publishers that receive record
// batches. Subpackages provide Kafka, NATS JetStream and file publishers.
package output

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/metric"
	"github.com/c360/filterstream/record"
)

// Publisher delivers batches downstream. A batch is published as a unit;
// an error means some records of the batch may not have been delivered.
type Publisher interface {
	component.Discoverable
	Publish(ctx context.Context, batch []record.Record) error
	Close() error
}

// Stats tracks the flow counters every publisher reports through
// component.Discoverable. The zero value is ready once Start is called.
type Stats struct {
	written atomic.Int64
	errors  atomic.Int64

	mu           sync.RWMutex
	started      time.Time
	lastActivity time.Time
	lastError    string
}

// Start marks the publisher as started
func (s *Stats) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
}

// Written records n delivered records
func (s *Stats) Written(n int) {
	s.written.Add(int64(n))
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Failed records a failed batch
func (s *Stats) Failed(err error) {
	s.errors.Add(1)
	s.mu.Lock()
	s.lastActivity = time.Now()
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

// Health reports the publisher health. healthy is the publisher's own view
// of its connection.
func (s *Stats) Health(healthy bool) component.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.started.IsZero() {
		uptime = time.Since(s.started)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errors.Load()),
		LastError:  s.lastError,
		Uptime:     uptime,
	}
}

// DataFlow reports the publisher throughput since Start
func (s *Stats) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	written := s.written.Load()
	errorCount := s.errors.Load()

	var rate, errorRate float64
	if !s.started.IsZero() {
		if secs := time.Since(s.started).Seconds(); secs > 0 {
			rate = float64(written) / secs
		}
	}
	if written > 0 {
		errorRate = float64(errorCount) / float64(written)
	}

	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      s.lastActivity,
	}
}

// Instrumented wraps a publisher and records the output metrics under its
// Meta().Name.
func Instrumented(p Publisher, m *metric.Metrics) Publisher {
	if m == nil {
		return p
	}
	return &instrumented{Publisher: p, metrics: m}
}

type instrumented struct {
	Publisher
	metrics *metric.Metrics
}

func (i *instrumented) Publish(ctx context.Context, batch []record.Record) error {
	name := i.Meta().Name
	start := time.Now()
	if err := i.Publisher.Publish(ctx, batch); err != nil {
		i.metrics.RecordPublishError(name)
		return err
	}
	i.metrics.RecordPublished(name, len(batch), time.Since(start))
	return nil
}
