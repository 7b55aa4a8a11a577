// Package connector assembles the source pipeline. A Task owns the batch
// queue and the stream session and hands out records on Poll; a Runner
// polls the task and publishes each batch to an output.Publisher, retrying
// transient failures.
//
//	task := connector.NewTask(connector.WithLogger(logger), connector.WithMetrics(m))
//	runner := connector.NewRunner(task, publisher, connector.WithLogger(logger))
//	err := runner.Run(ctx, cfg)
//
// Run returns nil once ctx is cancelled. When the session ends by itself the
// returned error wraps errors.ErrStreamEnded together with the cause, and
// records still queued are flushed first.
package connector
