// Package jetstream publishes record batches to a NATS JetStream stream.
// Each record becomes one message on the configured subject, deduplicated
// by tweet id through the Nats-Msg-Id header.
package jetstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/natsclient"
	"github.com/c360/filterstream/output"
	"github.com/c360/filterstream/record"
)

// Config holds the JetStream publisher settings
type Config struct {
	URL        string        `json:"url"         yaml:"url"         validate:"required,url"`
	Stream     string        `json:"stream"      yaml:"stream"      validate:"required"`
	Subject    string        `json:"subject"     yaml:"subject"     validate:"required"`
	Duplicates time.Duration `json:"duplicates"  yaml:"duplicates"`
	MaxAge     time.Duration `json:"max_age"     yaml:"max_age"`
}

// DefaultConfig returns the publisher settings for subject on a local server
func DefaultConfig(subject string) Config {
	return Config{
		URL:        "nats://localhost:4222",
		Stream:     "TWEETS",
		Subject:    subject,
		Duplicates: 2 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}
}

// publisherClient is the part of *natsclient.Client the publisher uses
type publisherClient interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	IsHealthy() bool
	WaitForConnection(ctx context.Context) error
	Close(ctx context.Context) error
}

// Publisher writes record batches to a JetStream subject
type Publisher struct {
	cfg    Config
	client publisherClient
	logger *slog.Logger
	stats  output.Stats

	mu     sync.Mutex
	closed bool
}

// NewPublisher connects to the server, creates or updates the stream and
// returns a publisher for cfg.Subject.
func NewPublisher(ctx context.Context, cfg Config, logger *slog.Logger, opts ...natsclient.ClientOption) (*Publisher, error) {
	if cfg.URL == "" || cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "NewPublisher", "check url, stream and subject")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts = append([]natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				logger.Info("JetStream output connection restored", "url", cfg.URL)
				return
			}
			logger.Warn("JetStream output connection lost, publishes wait for reconnect", "url", cfg.URL)
		}),
	}, opts...)
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "Publisher", "NewPublisher", "connect")
	}
	if rtt, err := client.RTT(); err == nil {
		logger.Info("Connected to NATS", "url", cfg.URL, "rtt", rtt)
	}

	p, err := newPublisher(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return p, nil
}

func newPublisher(ctx context.Context, cfg Config, client publisherClient, logger *slog.Logger) (*Publisher, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Duplicates: cfg.Duplicates,
		MaxAge:     cfg.MaxAge,
		Storage:    jetstream.FileStorage,
	}
	if _, err := client.EnsureStream(ctx, streamCfg); err != nil {
		return nil, errors.Wrap(err, "Publisher", "NewPublisher", "ensure stream "+cfg.Stream)
	}

	p := &Publisher{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "jetstream-output"),
	}
	p.stats.Start()
	return p, nil
}

// Publish sends every record of the batch and waits for each ack. While the
// connection is down it first waits for a reconnect, bounded by ctx. The
// first failure aborts the batch; records already acked are deduplicated by
// the server if the batch is retried.
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

	if !p.client.IsHealthy() {
		if err := p.client.WaitForConnection(ctx); err != nil {
			p.stats.Failed(err)
			return errors.WrapTransient(err, "Publisher", "Publish", "wait for connection")
		}
	}

	duplicates := 0
	for i, r := range batch {
		ack, err := p.client.PublishMsg(ctx, p.toMsg(r))
		if err != nil {
			p.stats.Failed(err)
			p.logger.Error("Failed to publish record",
				"subject", p.cfg.Subject, "index", i, "records", len(batch), "error", err)
			return errors.WrapTransient(err, "Publisher", "Publish", "publish record")
		}
		if ack != nil && ack.Duplicate {
			duplicates++
		}
	}

	p.stats.Written(len(batch))
	p.logger.Debug("Published batch", "subject", p.cfg.Subject, "records", len(batch), "duplicates", duplicates)
	return nil
}

// toMsg maps a record onto a NATS message. Record headers are copied and the
// tweet id doubles as the JetStream message id.
func (p *Publisher) toMsg(r record.Record) *nats.Msg {
	msg := nats.NewMsg(p.cfg.Subject)
	msg.Data = r.Value
	for _, h := range r.Headers {
		msg.Header.Add(h.Key, h.Value)
	}
	if r.Key != "" {
		msg.Header.Set(HeaderKey, r.Key)
	}
	if !r.Timestamp.IsZero() {
		msg.Header.Set(HeaderTimestamp, r.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	if id := r.Header(record.HeaderTweetID); id != "" {
		msg.Header.Set(jetstream.MsgIDHeader, id)
	}
	return msg
}

// Header names carrying the record key and timestamp
const (
	HeaderKey       = "record_key"
	HeaderTimestamp = "record_timestamp"
)

// Close drains the NATS connection. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.client.Close(context.Background()); err != nil {
		return errors.Wrap(err, "Publisher", "Close", "close client")
	}
	return nil
}

// Meta returns component metadata
func (p *Publisher) Meta() component.Metadata {
	return component.Metadata{
		Name:        "jetstream",
		Type:        "output",
		Description: "JetStream publisher for subject " + p.cfg.Subject,
		Version:     component.Version,
	}
}

// Health reports healthy while the NATS connection is up
func (p *Publisher) Health() component.HealthStatus {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return p.stats.Health(!closed && p.client.IsHealthy())
}

// DataFlow returns current data flow metrics
func (p *Publisher) DataFlow() component.FlowMetrics {
	return p.stats.DataFlow()
}

var _ output.Publisher = (*Publisher)(nil)
