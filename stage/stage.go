// Package stage implements the introspection pipeline: one Stage variant
// per pipeline position, a fixed-priority registry, and the shared
// completion/poll machinery every stage uses.
//
// A stage is pure behavior; all state lives in the element store. The
// scheduler flips an element's stage state to searching before calling
// Start, Start submits the remote job, and completion arrives either
// through the submit handlers or through Poll, whichever fires first. Both
// paths funnel into the same guarded completion helper, so the race is
// harmless.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/siftsec/introspect/config"
	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/matcher"
	"github.com/siftsec/introspect/search"
	"github.com/siftsec/introspect/telemetry"
)

// InitElementID is the id of the singleton element tracking the global
// init scan. It lives in the categories collection but matches no catalog
// category.
const InitElementID = "INTROSPECTION_BASE"

// Common errors returned by stage operations.
var (
	// ErrManualStage is returned when Start is called on the review stage,
	// which only a human advances.
	ErrManualStage = errors.New("stage: review stage is manual")

	// ErrNotRelevant is returned when an operation targets an element the
	// stage does not apply to.
	ErrNotRelevant = errors.New("stage: element not relevant to stage")
)

// Counts aggregates element states at one stage, for display only.
type Counts struct {
	Complete  int
	Failure   int
	Pending   int
	Searching int
}

// Callbacks is the narrow presentation surface stages notify. Either
// function may be nil.
type Callbacks struct {
	// OnElementRow fires when a stage first materializes a tracked row for
	// an element. Guarded by the element's loaded-stages set, so repeat
	// Load calls never duplicate rows.
	OnElementRow func(stage element.StageName, id string, status element.Status, query, displayName string)

	// OnElementStatus fires after an element's derived status changes.
	OnElementStatus func(stage element.StageName, id string, status element.Status)
}

// Stage is one pipeline position. Implementations hold no per-element
// state; every method is keyed by element id.
type Stage interface {
	// Name returns the stage's name.
	Name() element.StageName

	// Priority orders dispatch; lower runs first. The review stage uses an
	// unscheduled priority the dispatcher never admits.
	Priority() int

	// IsRelevant reports whether the stage applies to the element id.
	IsRelevant(id string) bool

	// Ready reports whether a pending element may be dispatched now. The
	// sourcetype stage resolves its category blocks here; other stages are
	// always ready. Called every dispatch tick.
	Ready(ctx context.Context, id string) bool

	// Load idempotently materializes the element's tracked row for this
	// stage and registers its initial stage state.
	Load(ctx context.Context, id string) error

	// Start submits the stage's remote search for the element. The caller
	// has already flipped the stage state to searching.
	Start(ctx context.Context, id string) error

	// HandleResults applies a completed job's rows to the element. It does
	// not mark the stage terminal; the completion helper does.
	HandleResults(ctx context.Context, id string, rows []search.Row) error

	// Poll reconciles an in-flight element: orphan detection, hard
	// timeout, and result recovery when the completion callback was lost.
	Poll(ctx context.Context, id string) error

	// Cancel terminally skips this stage for the element.
	Cancel(ctx context.Context, id string) error

	// Status scans the store for display counts at this stage.
	Status() Counts
}

// Env is the dependency context shared by all stage implementations. The
// engine builds exactly one Env per session; nothing in this package holds
// global state.
type Env struct {
	Store   *element.Store
	Search  search.Adapter
	Matcher *matcher.Table
	Logger  *slog.Logger
	Emitter *telemetry.Emitter

	Cfg config.EngineConfig

	// Catalog maps category id to its catalog entry.
	Catalog map[string]config.CategoryConfig

	Callbacks Callbacks

	// Sync requests a debounced persistence sync for the element.
	Sync func(id string)

	// Dirty requests an aggregate summary recomputation.
	Dirty func()

	// DeleteElement removes an element everywhere: store, durable record,
	// and presentation. Only the review reject flow uses it.
	DeleteElement func(ctx context.Context, id string) error

	// initJobID is the remote job id of the completed init scan, reused by
	// the sourcetype stage through loadjob references.
	initJobID string

	registry *Registry
}

// Registry returns the stage registry bound to this Env. Set by
// NewRegistry; result handlers use it to schedule downstream loads.
func (e *Env) Registry() *Registry { return e.registry }

// SetInitJobID records the init scan's job id for later stages.
func (e *Env) SetInitJobID(id string) { e.initJobID = id }

// InitJobID returns the init scan's job id, empty until init completes.
func (e *Env) InitJobID() string { return e.initJobID }

// notifyStatus pushes the element's derived status to the presentation
// callback and marks the aggregate dirty.
func (e *Env) notifyStatus(id string) {
	el, err := e.Store.Get(id)
	if err != nil {
		return
	}
	if e.Callbacks.OnElementStatus != nil {
		e.Callbacks.OnElementStatus(el.Stage, el.ID, el.Status)
	}
	if e.Dirty != nil {
		e.Dirty()
	}
}

// loadRow is the shared idempotent Load body: registers the stage state if
// absent and emits the row callback at most once per (stage, id).
func (e *Env) loadRow(name element.StageName, id string, initial element.Status, query func(el *element.Element) string) error {
	var (
		fresh   bool
		status  element.Status
		qText   string
		display string
	)
	err := e.Store.Update(id, func(el *element.Element) {
		st := el.StageStateFor(name)
		if st.Status == element.StatusNew && initial != element.StatusNew {
			st.Status = initial
		}
		if !el.LoadedStages[name] {
			el.LoadedStages[name] = true
			fresh = true
		}
		el.Reconcile()
		status = st.Status
		qText = query(el)
		display = el.DisplayName
	})
	if err != nil {
		return err
	}
	if fresh && e.Callbacks.OnElementRow != nil {
		e.Callbacks.OnElementRow(name, id, status, qText, display)
	}
	if e.Dirty != nil {
		e.Dirty()
	}
	return nil
}

// submit wires the standard three-outcome submission for a stage search.
func (e *Env) submit(ctx context.Context, s Stage, id, query string, jobID string) error {
	name := s.Name()
	opts := search.SubmitOptions{
		JobID:      jobID,
		AutoCancel: e.Cfg.GetHardTimeout(),
		MaxRuntime: e.Cfg.GetHardTimeout(),
		Handlers: search.Handlers{
			OnStart: func(jobID string) {
				_ = e.Store.Update(id, func(el *element.Element) {
					el.Job = &element.JobHandle{JobID: jobID, StartedAt: time.Now()}
				})
			},
			OnComplete: func(jobID string, rows []search.Row) {
				e.complete(context.Background(), s, id, rows)
			},
			OnFail: func(jobID string, err error) {
				e.fail(name, id, err)
			},
		},
	}
	if _, err := e.Search.Submit(ctx, query, opts); err != nil {
		e.fail(name, id, err)
		return err
	}
	return nil
}

// complete is the single funnel for successful job completion, shared by
// the submit callback and Poll recovery. The searching guard makes the two
// paths race-safe: whichever arrives second is a no-op.
func (e *Env) complete(ctx context.Context, s Stage, id string, rows []search.Row) {
	name := s.Name()
	claimed := false
	err := e.Store.Update(id, func(el *element.Element) {
		st := el.StageStateFor(name)
		if st.Status != element.StatusSearching {
			return
		}
		// Claiming terminally here makes the callback-versus-poll race a
		// no-op for whichever path arrives second.
		st.Status = element.StatusSuccess
		st.Rows = rows
		claimed = true
	})
	if err != nil || !claimed {
		return
	}

	if err := s.HandleResults(ctx, id, rows); err != nil {
		e.Logger.Warn("result handler failed",
			"stage", name,
			"id", id,
			"error", err)
		_ = e.Store.Update(id, func(el *element.Element) {
			st := el.StageStateFor(name)
			st.Status = element.StatusFailure
			st.Message = err.Error()
			el.Job = nil
			el.Reconcile()
		})
		e.Emitter.StageTransition(ctx, string(name), string(element.StatusFailure))
		if e.Sync != nil {
			e.Sync(id)
		}
		e.notifyStatus(id)
		return
	}

	_ = e.Store.Update(id, func(el *element.Element) {
		el.Reconcile()
	})
	e.releaseJobSoon(id)
	e.Emitter.StageTransition(ctx, string(name), string(element.StatusSuccess))
	if e.Sync != nil {
		e.Sync(id)
	}
	e.notifyStatus(id)
}

// fail marks the stage failed. No automatic retry anywhere: the state stays
// failed until a human re-runs introspection.
func (e *Env) fail(name element.StageName, id string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	failed := false
	err := e.Store.Update(id, func(el *element.Element) {
		st := el.StageStateFor(name)
		if st.Status.IsTerminal() {
			return
		}
		st.Status = element.StatusFailure
		st.Message = msg
		el.Job = nil
		el.Reconcile()
		failed = true
	})
	if err != nil || !failed {
		return
	}
	e.Emitter.StageTransition(context.Background(), string(name), string(element.StatusFailure))
	if e.Sync != nil {
		e.Sync(id)
	}
	e.notifyStatus(id)
}

// releaseJobSoon clears the element's job handle after a short grace so a
// reconciliation tick already in flight still sees the handle it polled.
func (e *Env) releaseJobSoon(id string) {
	time.AfterFunc(2*time.Second, func() {
		_ = e.Store.Update(id, func(el *element.Element) {
			el.Job = nil
		})
	})
}

// pollCommon is the shared Poll body: orphan grace, adapter-vanish grace,
// hard wall-clock ceiling, and lost-callback result recovery.
func (e *Env) pollCommon(ctx context.Context, s Stage, id string) error {
	name := s.Name()
	el, err := e.Store.Get(id)
	if err != nil {
		return err
	}
	st, ok := el.PerStage[name]
	if !ok || st.Status != element.StatusSearching {
		return nil
	}

	if el.Job == nil {
		// Entered searching but the job never reported a handle.
		if time.Since(st.StartedAt) > e.Cfg.GetOrphanGrace() {
			e.fail(name, id, errors.New("search job handle missing"))
		}
		return nil
	}

	elapsed := time.Since(el.Job.StartedAt)
	if elapsed > e.Cfg.GetHardTimeout() {
		_ = e.Search.Cancel(ctx, el.Job.JobID)
		e.fail(name, id, errors.New("search job exceeded hard timeout"))
		return nil
	}

	result, err := e.Search.Poll(ctx, el.Job.JobID)
	if err != nil {
		if errors.Is(err, search.ErrJobNotFound) && elapsed > e.Cfg.GetVanishGrace() {
			e.fail(name, id, errors.New("search job vanished"))
			return nil
		}
		return err
	}
	if !result.Done {
		return nil
	}
	if result.Failed {
		e.fail(name, id, errors.New("search job failed"))
		return nil
	}
	// Completion callback never delivered; recover the rows here.
	e.complete(ctx, s, id, result.Rows)
	return nil
}

// countsFor scans the store for display counts of elements currently at
// the stage. Display only; dispatch never reads these.
func (e *Env) countsFor(name element.StageName) Counts {
	var c Counts
	for _, el := range e.Store.All() {
		st, ok := el.PerStage[name]
		if !ok {
			continue
		}
		switch st.Status {
		case element.StatusSuccess, element.StatusSkipped, element.StatusManual:
			c.Complete++
		case element.StatusFailure, element.StatusCancelled:
			c.Failure++
		case element.StatusSearching:
			c.Searching++
		case element.StatusNew, element.StatusPending, element.StatusBlocked:
			c.Pending++
		}
	}
	return c
}

// cancelCommon terminally skips the stage for the element and re-syncs.
func (e *Env) cancelCommon(ctx context.Context, name element.StageName, id string) error {
	var jobID string
	err := e.Store.Update(id, func(el *element.Element) {
		st := el.StageStateFor(name)
		st.Advance(element.StatusSkipped)
		if el.Job != nil {
			jobID = el.Job.JobID
			el.Job = nil
		}
		el.Reconcile()
	})
	if err != nil {
		return err
	}
	if jobID != "" {
		_ = e.Search.Cancel(ctx, jobID)
	}
	if e.Sync != nil {
		e.Sync(id)
	}
	e.notifyStatus(id)
	return nil
}
