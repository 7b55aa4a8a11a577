package stream

import (
	"bytes"
	"encoding/json"
)

// Problem is one server-reported error carried by a stream line.
type Problem struct {
	Title        string `json:"title,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Type         string `json:"type,omitempty"`
	Section      string `json:"section,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Parameter    string `json:"parameter,omitempty"`
	Value        any    `json:"value,omitempty"`
}

// String prefers the detail, then the title, then the type URI.
func (p Problem) String() string {
	switch {
	case p.Detail != "":
		return p.Detail
	case p.Title != "":
		return p.Title
	default:
		return p.Type
	}
}

// Envelope is one decoded stream line. A line may carry data, errors, both,
// or neither (a heartbeat). When errors are present the data is never
// delivered.
type Envelope[T any] struct {
	Data   *T        `json:"data,omitempty"`
	Errors []Problem `json:"errors,omitempty"`
}

// HasErrors reports whether the server attached any problems
func (e Envelope[T]) HasErrors() bool {
	return len(e.Errors) > 0
}

func problemStrings(problems []Problem) []string {
	out := make([]string, len(problems))
	for i, p := range problems {
		out[i] = p.String()
	}
	return out
}

// DecodeJSON decodes a {"data": ..., "errors": [...]} line. It is a Decoder
// for any T that encoding/json can unmarshal.
func DecodeJSON[T any](line []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope[T]{}, err
	}
	return env, nil
}

func isBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}
