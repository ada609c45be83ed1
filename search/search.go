// Package search defines the contract the introspection engine uses to run
// remote search jobs, the query builders for each pipeline stage, and a
// scripted in-memory adapter for tests.
//
// The engine treats the query language as opaque text: it assembles queries
// from templates and never parses them. Job completion is delivered twice,
// deliberately: once through the submit handlers, and again through Poll,
// which the reconciliation loop uses to catch jobs whose callbacks never
// fired.
package search

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by search adapters.
var (
	// ErrJobNotFound is returned when the job id is unknown to the adapter.
	ErrJobNotFound = errors.New("search: job not found")

	// ErrSubmitFailed is returned when the remote service rejects a job.
	ErrSubmitFailed = errors.New("search: submit failed")
)

// Row is one result row keyed by field name.
type Row = map[string]string

// Result is the state of a remote job as seen by Poll.
type Result struct {
	// Done reports whether the job has finished, successfully or not.
	Done bool
	// Failed reports a finished job that produced an error.
	Failed bool
	// Rows holds the result set once Done and not Failed.
	Rows []Row
}

// Handlers wires the three asynchronous outcomes of a submitted job. Any
// handler may be nil. OnStart fires as soon as the remote service assigns a
// job id; OnComplete and OnFail fire at most once each and race with Poll,
// which callers must tolerate.
type Handlers struct {
	OnStart    func(jobID string)
	OnComplete func(jobID string, rows []Row)
	OnFail     func(jobID string, err error)
}

// SubmitOptions carries per-job tuning passed through to the remote service.
type SubmitOptions struct {
	// JobID requests a specific remote job id, letting later stages reuse a
	// prior job's result set by reference. Empty means service-assigned.
	JobID string

	// AutoCancel asks the service to discard the job if unclaimed.
	AutoCancel time.Duration

	// MaxRuntime is the service-side execution ceiling.
	MaxRuntime time.Duration

	Handlers Handlers
}

// Adapter executes remote search jobs. Implementations are external to the
// engine; the package ships only the Fake used by tests.
type Adapter interface {
	// Submit starts a job for query and returns its id. Completion is
	// reported through the option handlers and observable via Poll.
	Submit(ctx context.Context, query string, opts SubmitOptions) (string, error)

	// Poll reports the current state of a job.
	Poll(ctx context.Context, jobID string) (Result, error)

	// Cancel stops a running job and frees its resources.
	Cancel(ctx context.Context, jobID string) error
}
