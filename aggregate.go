package introspect

import (
	"context"
	"sync"
	"time"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/stage"
	"github.com/siftsec/introspect/telemetry"
)

// Summary is the debounced rollup of all stages, driving the play/pause
// affordance and the completion banner.
type Summary struct {
	// Remaining counts stage work not yet settled, excluding the manual
	// review stage: triage items wait on a human, not on the pipeline.
	Remaining int

	// Complete counts settled stage work, failures included.
	Complete int

	// Searching counts stage work currently running remote jobs.
	Searching int

	// AnySearching mirrors Searching > 0 for the play/pause control.
	AnySearching bool
}

// Done reports workflow completion.
func (s Summary) Done() bool { return s.Remaining == 0 }

// aggregator recomputes the Summary on a debounce window after any state
// change and fires the completion telemetry event exactly once per run.
type aggregator struct {
	registry *stage.Registry
	emitter  *telemetry.Emitter
	window   time.Duration
	onChange func(Summary)

	mu            sync.Mutex
	timer         *time.Timer
	last          Summary
	completeFired bool
	closed        bool
}

func newAggregator(registry *stage.Registry, emitter *telemetry.Emitter, window time.Duration, onChange func(Summary)) *aggregator {
	return &aggregator{
		registry: registry,
		emitter:  emitter,
		window:   window,
		onChange: onChange,
	}
}

// Dirty schedules a recomputation. Calls within the window coalesce.
func (a *aggregator) Dirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(a.window, a.recompute)
}

// Current returns the last computed summary.
func (a *aggregator) Current() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// resetCompletion re-arms the one-shot completion event; called when a
// re-run puts work back in flight.
func (a *aggregator) resetCompletion() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeFired = false
}

func (a *aggregator) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *aggregator) recompute() {
	a.mu.Lock()
	a.timer = nil
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	var sum Summary
	initRemaining := 0
	for _, s := range a.registry.Ordered() {
		if s.Name() == element.StageReview {
			continue
		}
		c := s.Status()
		remaining := c.Pending + c.Searching
		sum.Remaining += remaining
		sum.Searching += c.Searching
		sum.Complete += c.Complete + c.Failure
		if s.Name() == element.StageInit {
			initRemaining = remaining
		}
	}
	// The init scan element is always present; when it is the only thing
	// left the workflow is effectively done.
	if sum.Remaining == 1 && initRemaining == 1 {
		sum.Remaining = 0
	}
	sum.AnySearching = sum.Searching > 0

	a.mu.Lock()
	changed := sum != a.last
	a.last = sum
	fireComplete := sum.Done() && sum.Complete > 0 && !a.completeFired
	if fireComplete {
		a.completeFired = true
	}
	a.mu.Unlock()

	if changed && a.onChange != nil {
		a.onChange(sum)
	}
	if fireComplete {
		a.emitter.WorkflowComplete(context.Background())
	}
}
