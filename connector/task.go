package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/filterstream/batch"
	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/config"
	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
	"github.com/c360/filterstream/pkg/retry"
	"github.com/c360/filterstream/record"
	"github.com/c360/filterstream/rules"
	"github.com/c360/filterstream/session"
	"github.com/c360/filterstream/twitter"
)

// Option configures a Task or Runner
type Option func(*options)

type options struct {
	logger       *slog.Logger
	metrics      *metric.Metrics
	clientOpts   []twitter.Option
	publishRetry retry.Config
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires the connector metrics into every component
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClientOptions appends options for the API client
func WithClientOptions(opts ...twitter.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithPublishRetry sets the retry policy for publishing one batch
func WithPublishRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.publishRetry = cfg
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.Default(),
		publishRetry: errors.RetryPolicy{
			Retries:      5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		}.ToRetryConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Task is the source side of the connector: it streams matching tweets into
// a batch queue and hands them out as records on Poll.
type Task struct {
	logger     *slog.Logger
	metrics    *metric.Metrics
	clientOpts []twitter.Option

	mu      sync.Mutex
	state   component.State
	queue   *batch.Queue[record.Record]
	session *session.Session[twitter.Tweet]
	started time.Time
}

// NewTask creates an unstarted task
func NewTask(opts ...Option) *Task {
	o := buildOptions(opts)
	return &Task{
		logger:     o.logger.With("component", "source-task"),
		metrics:    o.metrics,
		clientOpts: o.clientOpts,
	}
}

// Start builds the queue and the stream session from cfg, reconciles the
// rules and opens the stream. Cancelling ctx later stops the stream.
func (t *Task) Start(ctx context.Context, cfg *config.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != component.StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Task", "Start", "check state "+t.state.String())
	}

	clientOpts := append([]twitter.Option{
		twitter.WithRetries(cfg.Twitter.Retries),
		twitter.WithTweetFields(cfg.Twitter.TweetFields),
		twitter.WithRulesRate(cfg.Twitter.RulesRatePerSec),
		twitter.WithUserAgent("filterstream/" + component.Version),
		twitter.WithLogger(t.logger),
	}, t.clientOpts...)
	client, err := twitter.NewClient(cfg.Twitter.BaseURL, cfg.Twitter.BearerToken, clientOpts...)
	if err != nil {
		return err
	}

	queue, err := batch.NewQueue[record.Record](cfg.Batch.MaxSize, cfg.BatchInterval(),
		batch.WithMaxBuffered(cfg.Batch.MaxBuffered),
		batch.WithLogger(t.logger),
		batch.WithMetrics(t.metrics),
	)
	if err != nil {
		return err
	}

	mapper := record.NewMapper(cfg.Output.Topic)
	sink := func(tweet twitter.Tweet) error {
		r, err := mapper.FromTweet(tweet)
		if err != nil {
			return err
		}
		queue.Add(r)
		return nil
	}

	reconciler := rules.NewReconciler(client, t.logger, rules.WithMetrics(t.metrics))
	sess := session.New[twitter.Tweet](reconciler, client, twitter.DecodeEnvelope, sink,
		cfg.Twitter.FilterKeywords,
		session.WithShutdownTimeout(cfg.ShutdownTimeout()),
		session.WithLogger(t.logger),
		session.WithMetrics(t.metrics),
	)

	if err := sess.Start(ctx); err != nil {
		queue.Close()
		t.state = component.StateFailed
		return err
	}

	t.queue = queue
	t.session = sess
	t.started = time.Now()
	t.state = component.StateStarted
	t.logger.Info("Source task started",
		"keywords", []string(cfg.Twitter.FilterKeywords),
		"batch_size", cfg.Batch.MaxSize,
		"batch_interval", cfg.BatchInterval())
	return nil
}

// Poll waits for the next batch. It returns an empty batch when the task has
// not been started.
func (t *Task) Poll(ctx context.Context) []record.Record {
	t.mu.Lock()
	queue := t.queue
	t.mu.Unlock()

	if queue == nil {
		return []record.Record{}
	}

	records := queue.TakeBatch(ctx)
	t.logger.Debug("Poll returned records", "records", len(records))
	return records
}

// Stop stops the session if it is still running and wakes any pending Poll.
// Buffered records stay available to Poll.
func (t *Task) Stop() error {
	t.mu.Lock()
	sess, queue := t.session, t.queue
	if sess != nil {
		t.state = component.StateStopped
	}
	t.mu.Unlock()

	if sess == nil {
		return nil
	}

	var err error
	if sess.IsRunning() {
		t.logger.Info("Stopping source task")
		err = sess.Stop()
	}
	queue.Close()
	return err
}

// State returns the task lifecycle state
func (t *Task) State() component.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the stream worker is alive
func (t *Task) IsRunning() bool {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	return sess != nil && sess.IsRunning()
}

// Err returns the error that ended the stream, if any
func (t *Task) Err() error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Err()
}

// Pending returns how many records wait in the queue
func (t *Task) Pending() int {
	t.mu.Lock()
	queue := t.queue
	t.mu.Unlock()
	if queue == nil {
		return 0
	}
	return queue.Len()
}

// Meta returns component metadata
func (t *Task) Meta() component.Metadata {
	return component.Metadata{
		Name:        "twitter-source",
		Type:        "input",
		Description: "Filtered stream source task",
		Version:     component.Version,
	}
}

// Health is healthy while the stream worker runs
func (t *Task) Health() component.HealthStatus {
	t.mu.Lock()
	sess, started := t.session, t.started
	t.mu.Unlock()

	status := component.HealthStatus{LastCheck: time.Now()}
	if sess == nil {
		return status
	}

	status.Healthy = sess.IsRunning()
	status.Uptime = time.Since(started)
	if err := sess.Err(); err != nil {
		status.ErrorCount = 1
		status.LastError = err.Error()
	}
	return status
}

// DataFlow reports tweets per second since Start
func (t *Task) DataFlow() component.FlowMetrics {
	t.mu.Lock()
	sess, started := t.session, t.started
	t.mu.Unlock()

	if sess == nil {
		return component.FlowMetrics{}
	}

	var rate float64
	if secs := time.Since(started).Seconds(); secs > 0 {
		rate = float64(sess.Events()) / secs
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		LastActivity:      sess.LastEventAt(),
	}
}

var _ component.Discoverable = (*Task)(nil)
