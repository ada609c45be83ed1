package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Script tells the Fake how to answer one family of queries.
type Script struct {
	// QueryContains selects this script for any submitted query containing
	// the substring. First registered match wins.
	QueryContains string

	// Rows is the result set delivered on completion.
	Rows []Row

	// Fail completes the job as failed instead.
	Fail bool

	// Hold leaves the job running until Complete or FailJob is called,
	// letting tests drive the callback-versus-poll race by hand.
	Hold bool
}

type fakeJob struct {
	id        string
	query     string
	handlers  Handlers
	done      bool
	failed    bool
	cancelled bool
	rows      []Row
}

// Fake is a scripted in-memory search adapter for tests. It records every
// submission and cancellation and completes jobs either synchronously (the
// default) or on demand when the script holds them open.
type Fake struct {
	mu      sync.Mutex
	scripts []Script
	jobs    map[string]*fakeJob
	nextID  int

	// Submitted and Cancelled record call order for assertions.
	Submitted []string
	Cancelled []string
}

// NewFake returns a Fake with no scripts; unscripted queries complete with
// no rows.
func NewFake() *Fake {
	return &Fake{jobs: make(map[string]*fakeJob)}
}

// AddScript registers a scripted response.
func (f *Fake) AddScript(s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, s)
}

// Submit implements Adapter.
func (f *Fake) Submit(_ context.Context, query string, opts SubmitOptions) (string, error) {
	f.mu.Lock()
	f.nextID++
	id := opts.JobID
	if id == "" {
		id = fmt.Sprintf("job-%d", f.nextID)
	}
	job := &fakeJob{id: id, query: query, handlers: opts.Handlers}
	f.jobs[id] = job
	f.Submitted = append(f.Submitted, query)

	var script *Script
	for i := range f.scripts {
		if strings.Contains(query, f.scripts[i].QueryContains) {
			script = &f.scripts[i]
			break
		}
	}
	f.mu.Unlock()

	if opts.Handlers.OnStart != nil {
		opts.Handlers.OnStart(id)
	}
	if script == nil {
		f.finish(id, nil, false)
		return id, nil
	}
	if script.Hold {
		return id, nil
	}
	f.finish(id, script.Rows, script.Fail)
	return id, nil
}

// Complete finishes a held job successfully with the given rows.
func (f *Fake) Complete(jobID string, rows []Row) {
	f.finish(jobID, rows, false)
}

// FailJob finishes a held job as failed.
func (f *Fake) FailJob(jobID string) {
	f.finish(jobID, nil, true)
}

// SettleQuietly marks a held job done without firing its completion
// handlers, simulating a callback the remote service never delivered. The
// result stays visible to Poll so the reconciliation loop can recover it.
func (f *Fake) SettleQuietly(jobID string, rows []Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok && !job.done {
		job.done = true
		job.rows = rows
	}
}

func (f *Fake) finish(jobID string, rows []Row, failed bool) {
	f.mu.Lock()
	job, ok := f.jobs[jobID]
	if !ok || job.done {
		f.mu.Unlock()
		return
	}
	job.done = true
	job.failed = failed
	job.rows = rows
	handlers := job.handlers
	f.mu.Unlock()

	if failed {
		if handlers.OnFail != nil {
			handlers.OnFail(jobID, ErrSubmitFailed)
		}
		return
	}
	if handlers.OnComplete != nil {
		handlers.OnComplete(jobID, rows)
	}
}

// Poll implements Adapter.
func (f *Fake) Poll(_ context.Context, jobID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return Result{}, ErrJobNotFound
	}
	return Result{Done: job.done, Failed: job.failed, Rows: append([]Row(nil), job.rows...)}, nil
}

// Cancel implements Adapter.
func (f *Fake) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.cancelled = true
	job.done = true
	f.Cancelled = append(f.Cancelled, jobID)
	return nil
}

// WasCancelled reports whether Cancel was called for jobID.
func (f *Fake) WasCancelled(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	return ok && job.cancelled
}
