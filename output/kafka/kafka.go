// Package kafka publishes record batches to a Kafka topic with
// segmentio/kafka-go. Records are partitioned by key hash so that tweets of
// one conversation stay ordered on one partition.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/output"
	"github.com/c360/filterstream/record"
)

// Config holds the Kafka publisher settings
type Config struct {
	Brokers      []string      `json:"brokers"       yaml:"brokers"       validate:"required,min=1,dive,hostname_port"`
	Topic        string        `json:"topic"         yaml:"topic"         validate:"required"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	RequiredAcks int           `json:"required_acks" yaml:"required_acks" validate:"oneof=-1 0 1"`
}

// DefaultConfig returns the default publisher settings for topic
func DefaultConfig(topic string, brokers ...string) Config {
	return Config{
		Brokers:      brokers,
		Topic:        topic,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: int(kafkago.RequireAll),
	}
}

// messageWriter is the part of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes record batches to Kafka
type Publisher struct {
	topic  string
	writer messageWriter
	logger *slog.Logger
	stats  output.Stats

	mu     sync.Mutex
	closed bool
}

// NewPublisher creates a publisher backed by a kafka-go Writer. No broker
// is contacted until the first Publish.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "check brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "check topic")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kafka-output")

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafkago.RequiredAcks(cfg.RequiredAcks),
		AllowAutoTopicCreation: true,
		Logger: kafkago.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	return newPublisher(cfg.Topic, w, logger), nil
}

func newPublisher(topic string, w messageWriter, logger *slog.Logger) *Publisher {
	p := &Publisher{topic: topic, writer: w, logger: logger}
	p.stats.Start()
	return p
}

// Publish writes the batch in one WriteMessages call. Empty batches are a
// no-op.
func (p *Publisher) Publish(ctx context.Context, batch []record.Record) error {
	if len(batch) == 0 {
		return nil
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Publisher", "Publish", "check state")
	}

	msgs := make([]kafkago.Message, len(batch))
	for i, r := range batch {
		msgs[i] = toMessage(r)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.stats.Failed(err)
		p.logger.Error("Failed to write batch", "topic", p.topic, "records", len(batch), "error", err)
		return errors.WrapTransient(err, "Publisher", "Publish", "write messages")
	}

	p.stats.Written(len(batch))
	p.logger.Debug("Wrote batch", "topic", p.topic, "records", len(batch))
	return nil
}

// toMessage maps a record onto a Kafka message. The topic is left to the
// writer.
func toMessage(r record.Record) kafkago.Message {
	msg := kafkago.Message{
		Value: r.Value,
		Time:  r.Timestamp,
	}
	if r.Key != "" {
		msg.Key = []byte(r.Key)
	}
	if len(r.Headers) > 0 {
		msg.Headers = make([]kafkago.Header, len(r.Headers))
		for i, h := range r.Headers {
			msg.Headers[i] = kafkago.Header{Key: h.Key, Value: []byte(h.Value)}
		}
	}
	return msg
}

// Close flushes pending writes and closes the writer. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.writer.Close(); err != nil {
		return errors.Wrap(err, "Publisher", "Close", "close writer")
	}
	return nil
}

// Meta returns component metadata
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "kafka",
		Type:        "output",
		Description: "Kafka publisher for topic " + p.topic,
		Version:     component.Version,
	}
}

// Health returns the current health status
func (p *Publisher) Health() component.HealthStatus {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return p.stats.Health(!closed)
}

// DataFlow returns current data flow metrics
func (p *Publisher) DataFlow() component.FlowMetrics {
	return p.stats.DataFlow()
}

var _ output.Publisher = (*Publisher)(nil)
