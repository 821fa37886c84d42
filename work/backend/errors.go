package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackunblock/work/sandbox"
)

// ErrEmptyResult marks a backend that answered but produced no usable URL.
var ErrEmptyResult = errors.New("backend returned no usable url")

// ParseError rejects a configuration before it reaches the store: a script that does
// not compile, a malformed base URL or a template with unknown placeholders.
type ParseError struct {
	Source string // source name
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error in %q: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse error in %q: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MatchError is a failure raised during one match attempt.
type MatchError struct {
	Backend string
	Message string
	Status  int // upstream HTTP status when known
	Err     error
}

func (e *MatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Backend, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *MatchError) Unwrap() error { return e.Err }

// TimeoutError reports an attempt that exceeded its time allowance.
type TimeoutError struct {
	Backend string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Backend, e.After.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Outcome classes recorded for every attempt.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Attempt is one backend's part in a resolution.
type Attempt struct {
	SourceID string        `json:"sourceId"`
	Backend  string        `json:"backend"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ResolutionFailed is the only error a resolve caller sees: every backend was tried
// (or the caller gave up) without a usable URL.
type ResolutionFailed struct {
	Attempts []Attempt
	Cause    error // the caller's context error when resolution was abandoned
}

func (e *ResolutionFailed) Error() string {
	if len(e.Attempts) == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("resolution abandoned: %v", e.Cause)
		}
		return "exhausted all backends: no backend enabled"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s=%s", a.Backend, a.Outcome)
		if a.Reason != "" {
			parts[i] += " (" + a.Reason + ")"
		}
	}
	prefix := "exhausted all backends"
	if e.Cause != nil {
		prefix = fmt.Sprintf("resolution abandoned (%v)", e.Cause)
	}
	return prefix + ": " + strings.Join(parts, "; ")
}

func (e *ResolutionFailed) Unwrap() error { return e.Cause }

// Classify maps an attempt's result to an outcome class and a short reason.
func Classify(err error, result bool) (string, string) {
	switch {
	case err == nil && result:
		return OutcomeOK, ""
	case err == nil:
		return OutcomeEmpty, ErrEmptyResult.Error()
	case errors.Is(err, ErrEmptyResult):
		return OutcomeEmpty, err.Error()
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout, err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled, err.Error()
	}
	return OutcomeError, err.Error()
}

// wrapScriptError converts sandbox failures into the backend taxonomy.
func wrapScriptError(name string, timeout time.Duration, err error) error {
	var interrupted *sandbox.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(interrupted.Cause, context.DeadlineExceeded) {
			return &TimeoutError{Backend: name, After: timeout}
		}
		return fmt.Errorf("%s: %w", name, interrupted.Cause)
	}
	var scriptErr *sandbox.ScriptError
	if errors.As(err, &scriptErr) {
		return &MatchError{Backend: name, Message: scriptErr.Message, Err: err}
	}
	return &MatchError{Backend: name, Message: err.Error(), Err: err}
}
