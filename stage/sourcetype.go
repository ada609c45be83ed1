package stage

import (
	"context"
	"errors"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// sourcetypeStage builds a product's precise narrowed query by re-reading
// the init scan, restricted to the product's detection filter. It stays
// blocked while any linked category is still in its cim stage, and the
// block is re-resolved on every dispatch tick: evidence from a finished
// category that already matches the product makes the scan redundant and
// skips it outright.
type sourcetypeStage struct {
	env *Env
}

func newSourcetypeStage(env *Env) *sourcetypeStage { return &sourcetypeStage{env: env} }

func (s *sourcetypeStage) Name() element.StageName { return element.StageSourcetype }
func (s *sourcetypeStage) Priority() int           { return 2 }

func (s *sourcetypeStage) IsRelevant(id string) bool {
	return id != InitElementID && !element.IsCategoryID(id) && !element.IsReviewID(id)
}

// Ready resolves the category block. A single matching result row from any
// finished category is enough to skip; requiring every category would hold
// the skip hostage to unrelated slow scans.
func (s *sourcetypeStage) Ready(ctx context.Context, id string) bool {
	el, err := s.env.Store.Get(id)
	if err != nil {
		return false
	}
	st, ok := el.PerStage[element.StageSourcetype]
	if !ok || st.Status.IsTerminal() || st.Status == element.StatusSearching {
		return false
	}

	blocked := false
	for _, categoryID := range el.LinkedCategories() {
		cat, err := s.env.Store.Get(categoryID)
		if err != nil {
			// Category pruned since linking; it can neither block nor skip.
			continue
		}
		cimState, ok := cat.PerStage[element.StageCIM]
		if !ok {
			continue
		}
		if cimState.Status == element.StatusSuccess {
			if s.rowsIdentifyProduct(cimState.Rows, el.Identity.ProductID) {
				s.skipRedundant(ctx, id)
				return false
			}
			continue
		}
		if !cimState.Status.IsTerminal() {
			blocked = true
		}
	}

	if blocked {
		s.setStatus(id, element.StatusBlocked)
		return false
	}
	if s.env.InitJobID() == "" {
		// Nothing to loadjob from yet; wait for the init scan.
		s.setStatus(id, element.StatusPending)
		return false
	}
	s.setStatus(id, element.StatusPending)
	return true
}

func (s *sourcetypeStage) rowsIdentifyProduct(rows []element.Row, productID string) bool {
	if productID == "" {
		return false
	}
	for _, row := range rows {
		if identity, ok := s.env.Matcher.Match(row); ok && identity.ProductID == productID {
			return true
		}
	}
	return false
}

// skipRedundant cancels the sourcetype scan and pushes the product straight
// into eventsize; the category evidence already carries its narrowed terms.
func (s *sourcetypeStage) skipRedundant(ctx context.Context, id string) {
	err := s.env.Store.Update(id, func(el *element.Element) {
		el.StageStateFor(element.StageSourcetype).Advance(element.StatusSkipped)
		es := el.StageStateFor(element.StageEventsize)
		if es.Status == element.StatusNew {
			es.Status = element.StatusPending
		}
		el.Reconcile()
	})
	if err != nil {
		return
	}
	if err := s.env.Registry().Get(element.StageEventsize).Load(ctx, id); err != nil {
		s.env.Logger.Warn("eventsize load failed", "id", id, "error", err)
	}
	if s.env.Sync != nil {
		s.env.Sync(id)
	}
	s.env.notifyStatus(id)
}

func (s *sourcetypeStage) setStatus(id string, status element.Status) {
	_ = s.env.Store.Update(id, func(el *element.Element) {
		st := el.StageStateFor(element.StageSourcetype)
		if st.Status == element.StatusNew ||
			st.Status == element.StatusPending ||
			st.Status == element.StatusBlocked {
			st.Status = status
			el.Reconcile()
		}
	})
}

func (s *sourcetypeStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageSourcetype, id, element.StatusPending, func(el *element.Element) string {
		return el.BaseSearch
	})
}

func (s *sourcetypeStage) Start(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	el, err := s.env.Store.Get(id)
	if err != nil {
		return err
	}
	jobID := s.env.InitJobID()
	if jobID == "" {
		return errors.New("init scan has not completed")
	}
	return s.env.submit(ctx, s, id, search.BreakdownFromJob(jobID, el.BaseSearch), "")
}

// HandleResults folds the breakdown rows into one combined narrowed query
// and advances the product to eventsize.
func (s *sourcetypeStage) HandleResults(ctx context.Context, id string, rows []search.Row) error {
	var terms []string
	for _, row := range rows {
		if t := search.TermExpression(row); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return errors.New("breakdown returned no matching data")
	}
	err := s.env.Store.Update(id, func(el *element.Element) {
		el.TermSearch = search.CombineTerms(terms)
		es := el.StageStateFor(element.StageEventsize)
		if es.Status == element.StatusNew {
			es.Status = element.StatusPending
		}
	})
	if err != nil {
		return err
	}
	return s.env.Registry().Get(element.StageEventsize).Load(ctx, id)
}

func (s *sourcetypeStage) Poll(ctx context.Context, id string) error {
	return s.env.pollCommon(ctx, s, id)
}

func (s *sourcetypeStage) Cancel(ctx context.Context, id string) error {
	return s.env.cancelCommon(ctx, element.StageSourcetype, id)
}

func (s *sourcetypeStage) Status() Counts { return s.env.countsFor(element.StageSourcetype) }
