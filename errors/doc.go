// Package errors provides standardized error handling for FilterStream components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, not retryable) and Fatal (unrecoverable, the session must stop).
// Components use the class to decide whether to retry a remote call, drop an
// item, or tear the stream session down.
//
// # Domain Errors
//
// The stream pipeline raises four typed errors. Each carries its own class so
// that classification never depends on message text:
//
//   - StartupError (fatal): a session could not reach the streaming state.
//     Stage names the step that failed ("reconcile" or "open").
//   - ReconciliationError (fatal): the rules endpoint reported problems, or the
//     resulting rule set is not the one requested.
//   - ProtocolError (fatal): the stream delivered an error envelope or a line
//     that could not be decoded.
//   - TransportError (transient): a remote call failed after exhausting its
//     attempt budget, or returned an unexpected HTTP status.
//
// All of them support errors.As and unwrap to their cause:
//
//	var startErr *errors.StartupError
//	if errors.As(err, &startErr) {
//	    logger.Error("session failed to start", "stage", startErr.Stage, "error", err)
//	}
//
// # Error Wrapping Pattern
//
// Wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions attach a classification while wrapping:
//
//	errors.WrapTransient(err, "RulesClient", "ActiveRules", "GET rules")
//	errors.WrapInvalid(err, "Config", "Load", "parse yaml")
//	errors.WrapFatal(err, "Session", "Start", "open stream")
//
// The plain Wrap function adds context and keeps whatever class the wrapped
// error already had.
//
// # Retry Policy
//
// RetryPolicy converts the operator's attempt budget into a retry.Config:
//
//	cfg := errors.RetryPolicy{Retries: 10}.ToRetryConfig()
//	err := retry.Do(ctx, cfg, call)
//
// A budget of N means N attempts in total, never N retries after a first try.
package errors
