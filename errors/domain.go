package errors

import (
	"fmt"
	"strings"
)

// StartupError reports that a stream session failed before reaching the
// streaming state. Stage names the step that failed.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("stream session startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Class reports ErrorFatal.
func (e *StartupError) Class() ErrorClass { return ErrorFatal }

// ReconciliationError reports that a rule change was rejected by the remote
// side, or that the resulting rule set does not match what was requested.
type ReconciliationError struct {
	Operation string
	Message   string
	Problems  []string
}

func (e *ReconciliationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Message, strings.Join(e.Problems, ", "))
}

// Class reports ErrorFatal.
func (e *ReconciliationError) Class() ErrorClass { return ErrorFatal }

// ProtocolError reports a stream line that carried server-side errors or
// could not be decoded at all.
type ProtocolError struct {
	Message  string
	Problems []string
	Err      error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("stream protocol error: ")
	b.WriteString(e.Message)
	if len(e.Problems) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Problems, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Class reports ErrorFatal.
func (e *ProtocolError) Class() ErrorClass { return ErrorFatal }

// TransportError reports a remote call that failed after its attempt budget
// was spent, or that came back with an unexpected HTTP status.
type TransportError struct {
	Operation  string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Operation + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Class reports ErrorTransient, except for 4xx statuses other than 429 which
// will not succeed on a later attempt.
func (e *TransportError) Class() ErrorClass {
	if e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429 {
		return ErrorFatal
	}
	return ErrorTransient
}
