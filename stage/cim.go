package stage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// cimStage runs each catalog category's canonical detection query. Every
// result row is narrowed to an index/sourcetype/source expression and run
// through the vendor matcher: a match upserts the identified product and
// advances it straight to eventsize; a miss with a concrete index
// synthesizes a NEEDSREVIEW product for human triage instead of guessing.
type cimStage struct {
	env *Env
}

func newCIMStage(env *Env) *cimStage { return &cimStage{env: env} }

func (s *cimStage) Name() element.StageName { return element.StageCIM }
func (s *cimStage) Priority() int           { return 1 }

func (s *cimStage) IsRelevant(id string) bool { return element.IsCategoryID(id) }

func (s *cimStage) Ready(context.Context, string) bool { return true }

func (s *cimStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageCIM, id, element.StatusPending, func(el *element.Element) string {
		return el.BaseSearch
	})
}

func (s *cimStage) Start(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	el, err := s.env.Store.Get(id)
	if err != nil {
		return err
	}
	base := el.BaseSearch
	if base == "" {
		if cat, ok := s.env.Catalog[id]; ok {
			base = cat.DetectionQuery
		}
	}
	if base == "" {
		return fmt.Errorf("category %s has no detection query", id)
	}
	return s.env.submit(ctx, s, id, search.CategoryDetection(base), "")
}

// HandleResults interprets detection rows. Product upserts merge: linked
// categories accumulate, the narrowed query grows by OR, and a redundant
// in-flight sourcetype search for the product is cancelled because the
// category's evidence already proves the product's data exists.
func (s *cimStage) HandleResults(ctx context.Context, categoryID string, rows []search.Row) error {
	for _, row := range rows {
		term := search.TermExpression(row)
		if term == "" {
			continue
		}
		identity, matched := s.env.Matcher.Match(row)
		if matched {
			s.upsertProduct(ctx, categoryID, identity, term)
			continue
		}
		if row["index"] != "" {
			s.synthesizeReview(ctx, categoryID, row, term)
		}
	}
	return nil
}

func (s *cimStage) upsertProduct(ctx context.Context, categoryID string, identity element.Identity, term string) {
	productID := identity.ProductID
	var cancelJobID string
	created := false

	err := s.env.Store.UpdateOrInsert(productID, func(el *element.Element) {
		created = len(el.PerStage) == 0
		el.Identity = identity
		if el.DisplayName == "" {
			el.DisplayName = displayName(identity)
		}
		el.LinkCategory(categoryID)

		terms := []string{term}
		if el.TermSearch != "" {
			terms = append(terms, el.TermSearch)
		}
		el.TermSearch = search.CombineTerms(terms)
		if el.BaseSearch == "" {
			el.BaseSearch = el.TermSearch
		}

		// Category evidence supersedes the product's own sourcetype scan.
		if st, ok := el.PerStage[element.StageSourcetype]; ok && !st.Status.IsTerminal() {
			st.Advance(element.StatusSkipped)
			if el.Job != nil {
				cancelJobID = el.Job.JobID
				el.Job = nil
			}
		}

		es := el.StageStateFor(element.StageEventsize)
		if es.Status == element.StatusNew {
			es.Status = element.StatusPending
		}
		el.Reconcile()
	})
	if err != nil {
		s.env.Logger.Warn("product upsert failed",
			"category", categoryID,
			"product", productID,
			"error", err)
		return
	}

	if cancelJobID != "" {
		_ = s.env.Search.Cancel(ctx, cancelJobID)
	}
	// Future detection rows for the same data should resolve without a
	// table miss.
	s.env.Matcher.AddFromTermSearch(term, identity)

	if created {
		s.env.Logger.Info("discovered product",
			"product", productID,
			"vendor", identity.VendorName,
			"category", categoryID)
	}
	if err := s.env.Registry().Get(element.StageEventsize).Load(ctx, productID); err != nil {
		s.env.Logger.Warn("eventsize load failed", "product", productID, "error", err)
	}
	if s.env.Sync != nil {
		s.env.Sync(productID)
	}
	s.env.notifyStatus(productID)
}

// synthesizeReview creates (or extends) a NEEDSREVIEW product for a row no
// matcher rule could identify. Ambiguity is a first-class pipeline state,
// not an error.
func (s *cimStage) synthesizeReview(ctx context.Context, categoryID string, row search.Row, term string) {
	id := reviewID(row)
	err := s.env.Store.UpdateOrInsert(id, func(el *element.Element) {
		if el.DisplayName == "" {
			el.DisplayName = fmt.Sprintf("Unrecognized source (%s)", row["index"])
		}
		el.LinkCategory(categoryID)
		terms := []string{term}
		if el.TermSearch != "" {
			terms = append(terms, el.TermSearch)
		}
		el.TermSearch = search.CombineTerms(terms)
		if el.BaseSearch == "" {
			el.BaseSearch = el.TermSearch
		}
		rv := el.StageStateFor(element.StageReview)
		if rv.Status == element.StatusNew {
			rv.Status = element.StatusPending
		}
		el.Reconcile()
	})
	if err != nil {
		s.env.Logger.Warn("review synthesis failed", "id", id, "error", err)
		return
	}
	if err := s.env.Registry().Get(element.StageReview).Load(ctx, id); err != nil {
		s.env.Logger.Warn("review load failed", "id", id, "error", err)
	}
	if s.env.Sync != nil {
		s.env.Sync(id)
	}
	s.env.notifyStatus(id)
}

func (s *cimStage) Poll(ctx context.Context, id string) error {
	return s.env.pollCommon(ctx, s, id)
}

func (s *cimStage) Cancel(ctx context.Context, id string) error {
	return s.env.cancelCommon(ctx, element.StageCIM, id)
}

func (s *cimStage) Status() Counts { return s.env.countsFor(element.StageCIM) }

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// reviewID derives the deterministic NEEDSREVIEW id for a row, so repeated
// detections of the same unknown source merge instead of multiplying.
func reviewID(row search.Row) string {
	parts := []string{row["index"]}
	if row["sourcetype"] != "" {
		parts = append(parts, row["sourcetype"])
	}
	slug := slugUnsafe.ReplaceAllString(strings.Join(parts, "_"), "_")
	return "NEEDSREVIEW_" + strings.Trim(slug, "_")
}

func displayName(identity element.Identity) string {
	if identity.VendorName != "" && identity.ProductName != "" {
		return identity.VendorName + " " + identity.ProductName
	}
	if identity.ProductName != "" {
		return identity.ProductName
	}
	return identity.ProductID
}
