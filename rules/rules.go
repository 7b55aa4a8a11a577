// Package rules manages the server-side filter rules that decide which events
// the filtered stream delivers.
package rules

import (
	"context"
	"strings"

	"github.com/c360/filterstream/stream"
)

// Rule is a filter rule. ID is only set once the server has confirmed it.
type Rule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// Problem is one error reported by the rules endpoint. The API reports the
// same problem shape on the rules endpoints and the stream.
type Problem = stream.Problem

// ChangeKind tells which arm of a Change is populated.
type ChangeKind int

const (
	// ChangeAdd installs new rules by value
	ChangeAdd ChangeKind = iota + 1
	// ChangeDelete removes rules by ID
	ChangeDelete
)

// String returns the kind name
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is either an add of values or a delete of IDs, never both. Build it
// with Add or Delete.
type Change struct {
	Kind   ChangeKind
	Values []string
	IDs    []string
}

// Add builds a change installing one rule per value.
func Add(values ...string) Change {
	return Change{Kind: ChangeAdd, Values: values}
}

// Delete builds a change removing the rules with the given IDs.
func Delete(ids ...string) Change {
	return Change{Kind: ChangeDelete, IDs: ids}
}

// Empty reports whether the change carries nothing to submit.
func (c Change) Empty() bool {
	switch c.Kind {
	case ChangeAdd:
		return len(c.Values) == 0
	case ChangeDelete:
		return len(c.IDs) == 0
	default:
		return true
	}
}

// ChangeResult is the rule set the server reports after a change, plus any
// problems it raised.
type ChangeResult struct {
	Rules    []Rule
	Problems []Problem
}

// Client talks to the rules endpoint. Implementations retry transport
// failures within their own budget and report what is left as a
// TransportError.
type Client interface {
	ActiveRules(ctx context.Context) ([]Rule, error)
	ChangeRules(ctx context.Context, change Change) (ChangeResult, error)
}

// KeywordRule joins keywords into a single disjunctive rule value.
func KeywordRule(keywords []string) string {
	return strings.Join(keywords, " OR ")
}
