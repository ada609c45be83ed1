package stage

import (
	"context"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// ReviewDecision carries the human-confirmed identity for a synthesized
// product. Empty fields keep the element's current values.
type ReviewDecision struct {
	ProductID   string
	ProductName string
	VendorName  string

	// TermSearch overrides the synthesized narrowed query.
	TermSearch string
}

// reviewStage holds products whose identity no matcher rule could resolve.
// It is never scheduled: a human either confirms the element (advancing it
// into eventsize) or rejects it, which deletes it from the session and the
// durable store.
type reviewStage struct {
	env *Env
}

func newReviewStage(env *Env) *reviewStage { return &reviewStage{env: env} }

func (s *reviewStage) Name() element.StageName { return element.StageReview }

// Priority is deliberately outside the scheduled range; the dispatcher
// never admits review work.
func (s *reviewStage) Priority() int { return 10 }

func (s *reviewStage) IsRelevant(id string) bool { return element.IsReviewID(id) }

func (s *reviewStage) Ready(context.Context, string) bool { return false }

func (s *reviewStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageReview, id, element.StatusPending, func(el *element.Element) string {
		return el.TermSearch
	})
}

func (s *reviewStage) Start(context.Context, string) error { return ErrManualStage }

func (s *reviewStage) HandleResults(context.Context, string, []search.Row) error { return nil }

func (s *reviewStage) Poll(context.Context, string) error { return nil }

// Cancel is the reject action: the element disappears entirely, including
// its persisted record. This is the only flow that ever deletes elements.
func (s *reviewStage) Cancel(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	if s.env.DeleteElement == nil {
		return ErrManualStage
	}
	return s.env.DeleteElement(ctx, id)
}

// Confirm applies the reviewer's decision and advances the element into
// eventsize. The confirmed identity also feeds the matcher so future
// detection rows for the same data resolve without triage.
func (s *reviewStage) Confirm(ctx context.Context, id string, decision ReviewDecision) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	var (
		identity element.Identity
		term     string
	)
	err := s.env.Store.Update(id, func(el *element.Element) {
		if decision.ProductID != "" {
			el.Identity.ProductID = decision.ProductID
		}
		if decision.ProductName != "" {
			el.Identity.ProductName = decision.ProductName
		}
		if decision.VendorName != "" {
			el.Identity.VendorName = decision.VendorName
		}
		if decision.TermSearch != "" {
			el.TermSearch = decision.TermSearch
		}
		if el.DisplayName == "" || element.IsReviewID(el.DisplayName) {
			el.DisplayName = displayName(el.Identity)
		}
		el.StageStateFor(element.StageReview).Advance(element.StatusSuccess)
		es := el.StageStateFor(element.StageEventsize)
		if es.Status == element.StatusNew {
			es.Status = element.StatusPending
		}
		el.Reconcile()
		identity = el.Identity
		term = el.TermSearch
	})
	if err != nil {
		return err
	}

	if identity.ProductID != "" && term != "" {
		s.env.Matcher.AddFromTermSearch(term, identity)
	}
	if err := s.env.Registry().Get(element.StageEventsize).Load(ctx, id); err != nil {
		s.env.Logger.Warn("eventsize load failed", "id", id, "error", err)
	}
	if s.env.Sync != nil {
		s.env.Sync(id)
	}
	s.env.notifyStatus(id)
	return nil
}

func (s *reviewStage) Status() Counts { return s.env.countsFor(element.StageReview) }
