package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
)

// Reconciler brings the server-side rule set to the desired state. It never
// retries; transport retries belong to the Client.
type Reconciler struct {
	client  Client
	logger  *slog.Logger
	metrics *metric.Metrics
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithMetrics records each operation and its outcome
func WithMetrics(m *metric.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// NewReconciler creates a reconciler. A nil logger uses slog.Default.
func NewReconciler(client Client, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		client: client,
		logger: logger.With("component", "rule-reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile wipes every active rule and then installs the keyword rule.
func (r *Reconciler) Reconcile(ctx context.Context, keywords []string) error {
	if err := r.DeleteAllRules(ctx); err != nil {
		return err
	}
	return r.AddKeywordFilterRule(ctx, keywords)
}

// DeleteAllRules removes every active rule. When nothing is active no
// delete request is made.
func (r *Reconciler) DeleteAllRules(ctx context.Context) (err error) {
	defer func() { r.record("delete", err) }()

	r.logger.Info("Deleting all active rules")

	active, err := r.client.ActiveRules(ctx)
	if err != nil {
		return errors.Wrap(err, "Reconciler", "DeleteAllRules", "fetch active rules")
	}

	ids := make([]string, 0, len(active))
	for _, rule := range active {
		if rule.ID != "" {
			ids = append(ids, rule.ID)
		}
	}
	if len(ids) == 0 {
		r.logger.Info("No active rules to delete")
		return nil
	}

	result, err := r.client.ChangeRules(ctx, Delete(ids...))
	if err != nil {
		return errors.Wrap(err, "Reconciler", "DeleteAllRules", "submit delete")
	}

	if err := r.checkProblems("delete rules", "error(s) while deleting all rules", result); err != nil {
		return err
	}

	if len(result.Rules) > 0 {
		return &errors.ReconciliationError{
			Operation: "delete rules",
			Message:   "there should be no active rules, but the server still reports",
			Problems:  ruleValues(result.Rules),
		}
	}

	r.logger.Info("Deleted active rules", "count", len(ids))
	return nil
}

// AddKeywordFilterRule installs one rule matching any of the keywords. With
// no keywords no request is made.
func (r *Reconciler) AddKeywordFilterRule(ctx context.Context, keywords []string) (err error) {
	if len(keywords) == 0 {
		r.logger.Info("No filter keywords, skipping rule installation")
		return nil
	}
	defer func() { r.record("add", err) }()

	value := KeywordRule(keywords)
	r.logger.Info("Adding active rule", "rule", value)

	result, err := r.client.ChangeRules(ctx, Add(value))
	if err != nil {
		return errors.Wrap(err, "Reconciler", "AddKeywordFilterRule", "submit add")
	}

	if err := r.checkProblems("add rules", fmt.Sprintf("error(s) while adding filter rule '%s'", value), result); err != nil {
		return err
	}

	for _, rule := range result.Rules {
		if rule.Value == value {
			r.logger.Info("Active rule installed", "rule", value, "id", rule.ID)
			return nil
		}
	}

	return &errors.ReconciliationError{
		Operation: "add rules",
		Message:   fmt.Sprintf("expected the active rules to contain '%s', but they did not", value),
	}
}

func (r *Reconciler) checkProblems(operation, message string, result ChangeResult) error {
	if len(result.Problems) == 0 {
		return nil
	}

	details := make([]string, len(result.Problems))
	for i, p := range result.Problems {
		r.logger.Warn("Received error response from rules endpoint", "operation", operation, "problem", p.String())
		details[i] = p.String()
	}

	return &errors.ReconciliationError{
		Operation: operation,
		Message:   message,
		Problems:  details,
	}
}

func (r *Reconciler) record(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.metrics.RecordReconciliation(operation, outcome)
}

func ruleValues(rules []Rule) []string {
	values := make([]string, len(rules))
	for i, rule := range rules {
		values[i] = rule.Value
	}
	return values
}
