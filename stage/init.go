package stage

import (
	"context"
	"errors"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// initStage runs the one global scan computing (index, sourcetype, source)
// triples over recent history. Its remote job id is retained so the
// sourcetype stage can re-read the scan by reference instead of re-running
// it. No retry: a failed init stalls dependent sourcetype searches but
// never halts the other stages.
type initStage struct {
	env *Env
}

func newInitStage(env *Env) *initStage { return &initStage{env: env} }

func (s *initStage) Name() element.StageName { return element.StageInit }
func (s *initStage) Priority() int           { return 0 }

func (s *initStage) IsRelevant(id string) bool { return id == InitElementID }

func (s *initStage) Ready(context.Context, string) bool { return true }

func (s *initStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageInit, id, element.StatusPending, func(el *element.Element) string {
		return search.InitScan()
	})
}

func (s *initStage) Start(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.submit(ctx, s, id, search.InitScan(), "")
}

// HandleResults keeps the triple rows on the stage state (blocking
// resolution and the review UI both read them) and records the base job id.
func (s *initStage) HandleResults(ctx context.Context, id string, rows []search.Row) error {
	if len(rows) == 0 {
		return errors.New("init scan returned no data")
	}
	var jobID string
	err := s.env.Store.Update(id, func(el *element.Element) {
		if el.Job != nil {
			jobID = el.Job.JobID
		}
	})
	if err != nil {
		return err
	}
	if jobID != "" {
		s.env.SetInitJobID(jobID)
	}
	return nil
}

func (s *initStage) Poll(ctx context.Context, id string) error {
	return s.env.pollCommon(ctx, s, id)
}

func (s *initStage) Cancel(ctx context.Context, id string) error {
	return s.env.cancelCommon(ctx, element.StageInit, id)
}

func (s *initStage) Status() Counts { return s.env.countsFor(element.StageInit) }
