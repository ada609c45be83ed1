package introspect

import (
	"errors"
	"fmt"
)

// Sentinel errors for common engine conditions, usable with errors.Is.
var (
	// ErrNotStarted indicates the engine has not been started yet.
	ErrNotStarted = errors.New("engine not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrElementNotFound indicates the requested element does not exist.
	ErrElementNotFound = errors.New("element not found")

	// ErrNotReviewable indicates a review operation targeted an element
	// outside the manual-review flow.
	ErrNotReviewable = errors.New("element is not in review")

	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error kinds categorize engine errors.
const (
	// KindNotFound represents errors where a resource was not found.
	KindNotFound = "not_found"

	// KindValidation represents input validation errors.
	KindValidation = "validation"

	// KindExecution represents errors during pipeline execution.
	KindExecution = "execution"

	// KindConfiguration represents configuration errors.
	KindConfiguration = "configuration"

	// KindPersistence represents durable-store errors.
	KindPersistence = "persistence"

	// KindInternal represents internal engine errors.
	KindInternal = "internal"
)

// EngineError wraps an underlying error with the operation that failed and
// an error category. It supports errors.Is/errors.As through Unwrap.
type EngineError struct {
	// Op is the operation that failed (e.g., "Engine.Start").
	Op string

	// Kind categorizes the error.
	Kind string

	// Err is the underlying error.
	Err error

	// Context carries optional debugging detail such as element ids.
	Context map[string]any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("introspect: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("introspect: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("introspect: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches either the underlying error or another EngineError with the
// same Kind (and Op, when the target sets one).
func (e *EngineError) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*EngineError); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}
	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with ctx merged into its context.
func (e *EngineError) WithContext(ctx map[string]any) *EngineError {
	cp := *e
	if cp.Context == nil {
		cp.Context = make(map[string]any, len(ctx))
	}
	for k, v := range ctx {
		cp.Context[k] = v
	}
	return &cp
}

func newError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}
