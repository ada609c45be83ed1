// Package sched drives the introspection pipeline with two time-based
// loops: a dispatch loop admitting pending work under a global concurrency
// cap in stage-priority order, and a reconciliation loop re-checking
// in-flight work against the search service.
//
// Both loops are purely timer-driven. Job completion callbacks race with
// the reconciliation poll on purpose; the stage completion funnel makes the
// race benign, and the poll is what recovers jobs whose callbacks never
// arrive.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/stage"
)

// Scheduler owns the dispatch and reconciliation loops for one session.
type Scheduler struct {
	env      *stage.Env
	registry *stage.Registry

	paused atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a stopped Scheduler over the session's stage environment.
func New(env *stage.Env, registry *stage.Registry) *Scheduler {
	return &Scheduler{env: env, registry: registry}
}

// Run starts both loops. They stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.reconcileLoop(ctx)
}

// Stop halts both loops and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.env.Cfg.GetDispatchTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.paused.Load() {
				s.DispatchOnce(ctx)
			}
		}
	}
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.env.Cfg.GetReconcileTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.paused.Load() {
				s.ReconcileOnce(ctx)
			}
		}
	}
}

type candidate struct {
	id       string
	st       stage.Stage
	priority int
	order    int
}

// DispatchOnce runs one dispatch tick: count running work, gather ready
// pending work, and admit queue heads while the cap allows. Exported so
// tests (and interactive hosts) can tick deterministically.
//
// The searching count never exceeds the cap at tick boundaries: elements
// are flipped to searching before Start is invoked, so even synchronous
// adapter completions cannot over-admit.
func (s *Scheduler) DispatchOnce(ctx context.Context) {
	elements := s.env.Store.All()

	running := 0
	for _, el := range elements {
		for _, st := range el.PerStage {
			if st.Status == element.StatusSearching {
				running++
				break
			}
		}
	}

	var queue []candidate
	for _, el := range elements {
		// An element queues at its highest-priority non-terminal stage only;
		// later stages wait their turn.
		for _, st := range s.registry.RelevantTo(el.ID) {
			state, ok := el.PerStage[st.Name()]
			if !ok {
				continue
			}
			if state.Status == element.StatusSearching {
				break
			}
			if state.Status.IsTerminal() {
				continue
			}
			// pending, new or blocked: Ready resolves blocks and reports
			// whether the stage may run now.
			if st.Ready(ctx, el.ID) {
				queue = append(queue, candidate{
					id:       el.ID,
					st:       st,
					priority: st.Priority(),
					order:    len(queue),
				})
			}
			break
		}
	}

	slots := s.env.Cfg.GetConcurrencyCap() - running
	if slots <= 0 || len(queue) == 0 {
		return
	}

	sortCandidates(queue)

	for _, c := range queue {
		if slots == 0 {
			return
		}
		admitted := false
		_ = s.env.Store.Update(c.id, func(el *element.Element) {
			st := el.StageStateFor(c.st.Name())
			if st.Status.IsTerminal() || st.Status == element.StatusSearching {
				return
			}
			st.Status = element.StatusSearching
			st.StartedAt = time.Now()
			el.Reconcile()
			admitted = true
		})
		if !admitted {
			continue
		}
		slots--
		if err := c.st.Start(ctx, c.id); err != nil {
			s.env.Logger.Warn("stage start failed",
				"stage", c.st.Name(),
				"id", c.id,
				"error", err)
		}
	}
}

// sortCandidates orders by stage priority, preserving discovery order
// within a priority.
func sortCandidates(queue []candidate) {
	for i := 1; i < len(queue); i++ {
		for j := i; j > 0; j-- {
			a, b := queue[j-1], queue[j]
			if a.priority < b.priority || (a.priority == b.priority && a.order < b.order) {
				break
			}
			queue[j-1], queue[j] = b, a
		}
	}
}

// ReconcileOnce runs one reconciliation tick: poll every in-flight element
// through its owning stage, and settle any materialized sourcetype row
// whose element has since moved past the stage.
func (s *Scheduler) ReconcileOnce(ctx context.Context) {
	for _, el := range s.env.Store.All() {
		for name, state := range el.PerStage {
			if state.Status != element.StatusSearching {
				continue
			}
			owner := s.registry.Get(name)
			if owner == nil {
				continue
			}
			if err := owner.Poll(ctx, el.ID); err != nil {
				s.env.Logger.Debug("poll failed",
					"stage", name,
					"id", el.ID,
					"error", err)
			}
		}

		// A sourcetype row left on screen after the element moved on (the
		// cim flow skipped the scan) reads as silently completed.
		if el.LoadedStages[element.StageSourcetype] {
			if st, ok := el.PerStage[element.StageSourcetype]; ok && st.Status == element.StatusSkipped {
				if s.env.Callbacks.OnElementStatus != nil {
					s.env.Callbacks.OnElementStatus(element.StageSourcetype, el.ID, element.StatusSkipped)
				}
			}
		}
	}
}

// Pause cancels every in-flight search through the adapter and demotes the
// work back to pending so a later Resume re-admits it. User-triggered only.
func (s *Scheduler) Pause(ctx context.Context) {
	s.paused.Store(true)
	for _, el := range s.env.Store.All() {
		var jobID string
		demoted := false
		_ = s.env.Store.Update(el.ID, func(el *element.Element) {
			for _, st := range el.PerStage {
				if st.Status == element.StatusSearching {
					st.Demote()
					demoted = true
				}
			}
			if el.Job != nil {
				jobID = el.Job.JobID
				el.Job = nil
			}
			if demoted {
				el.Reconcile()
			}
		})
		if jobID != "" {
			_ = s.env.Search.Cancel(ctx, jobID)
		}
		if demoted && s.env.Dirty != nil {
			s.env.Dirty()
		}
	}
}

// Resume lets the loops admit work again.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
}

// Paused reports whether admission is suspended.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}
