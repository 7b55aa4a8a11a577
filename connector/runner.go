package connector

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/filterstream/config"
	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/output"
	"github.com/c360/filterstream/pkg/retry"
	"github.com/c360/filterstream/record"
)

// Runner drives a Task: it polls batches and publishes them until the
// context ends or the stream session dies.
type Runner struct {
	task      *Task
	publisher output.Publisher
	retry     retry.Config
	logger    *slog.Logger
}

// NewRunner creates a runner publishing the task's batches to publisher
func NewRunner(task *Task, publisher output.Publisher, opts ...Option) *Runner {
	o := buildOptions(opts)
	return &Runner{
		task:      task,
		publisher: output.Instrumented(publisher, o.metrics),
		retry:     o.publishRetry,
		logger:    o.logger.With("component", "runner"),
	}
}

// Run starts the task and loops until ctx is cancelled, which returns nil,
// or the session ends on its own, which returns an error wrapping
// ErrStreamEnded. A batch that cannot be published ends the run. Records
// still queued on the way out are flushed within the shutdown timeout.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) error {
	if err := r.task.Start(ctx, cfg); err != nil {
		return err
	}

	carry, err := r.loop(ctx)

	if stopErr := r.task.Stop(); stopErr != nil {
		r.logger.Warn("Failed to stop source task", "error", stopErr)
	}
	if err == nil || stderrors.Is(err, errors.ErrStreamEnded) {
		r.flush(carry, cfg.ShutdownTimeout())
	}
	return err
}

// loop polls and publishes until ctx ends or the session dies. A batch taken
// from the queue but not published because ctx ended is returned so that
// flush can deliver it.
func (r *Runner) loop(ctx context.Context) ([]record.Record, error) {
	for {
		if ctx.Err() != nil {
			r.logger.Info("Runner stopping", "reason", ctx.Err())
			return nil, nil
		}

		records := r.task.Poll(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Runner stopping", "reason", ctx.Err(), "unpublished", len(records))
			return records, nil
		}
		if err := r.publish(ctx, records); err != nil {
			if ctx.Err() != nil {
				return records, nil
			}
			return nil, err
		}

		if !r.task.IsRunning() {
			cause := r.task.Err()
			r.logger.Warn("Stream session ended", "error", cause)
			if cause != nil {
				return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrStreamEnded, cause), "Runner", "Run", "watch session")
			}
			return nil, errors.WrapFatal(errors.ErrStreamEnded, "Runner", "Run", "watch session")
		}
	}
}

// flush publishes carry and what is left in the queue after the session
// stopped, under a fresh context bounded by timeout.
func (r *Runner) flush(carry []record.Record, timeout time.Duration) {
	if len(carry) == 0 && r.task.Pending() == 0 {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r.logger.Info("Flushing queued records", "records", len(carry)+r.task.Pending())
	if err := r.publish(ctx, carry); err != nil {
		r.logger.Error("Dropped queued records on shutdown", "records", len(carry)+r.task.Pending(), "error", err)
		return
	}
	for r.task.Pending() > 0 && ctx.Err() == nil {
		if err := r.publish(ctx, r.task.Poll(ctx)); err != nil {
			r.logger.Error("Dropped queued records on shutdown", "records", r.task.Pending(), "error", err)
			return
		}
	}
}

// publish sends one batch, retrying transient failures
func (r *Runner) publish(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	logger := r.logger.With("batch_id", batchID, "records", len(records))

	policy := r.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Publish failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	start := time.Now()
	err := retry.Do(ctx, policy, func() error {
		err := r.publisher.Publish(ctx, records)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		logger.Error("Failed to publish batch", "error", err)
		return errors.Wrap(err, "Runner", "publish", "publish batch "+batchID)
	}

	logger.Debug("Published batch", "output", r.publisher.Meta().Name, "duration", time.Since(start))
	return nil
}
