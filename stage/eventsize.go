package stage

import (
	"context"
	"errors"
	"strconv"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// complianceThreshold is the per-field success ratio above which a required
// CIM field counts as compliant.
const complianceThreshold = 0.9

// eventsizeStage measures a product over a capped sample: average raw event
// size, a time-span sampling ratio for extrapolating volume, and per-field
// CIM compliance against every linked category's required fields.
type eventsizeStage struct {
	env *Env
}

func newEventsizeStage(env *Env) *eventsizeStage { return &eventsizeStage{env: env} }

func (s *eventsizeStage) Name() element.StageName { return element.StageEventsize }
func (s *eventsizeStage) Priority() int           { return 3 }

func (s *eventsizeStage) IsRelevant(id string) bool {
	return id != InitElementID && !element.IsCategoryID(id)
}

func (s *eventsizeStage) Ready(context.Context, string) bool { return true }

func (s *eventsizeStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageEventsize, id, element.StatusNew, func(el *element.Element) string {
		return el.TermSearch
	})
}

func (s *eventsizeStage) Start(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	el, err := s.env.Store.Get(id)
	if err != nil {
		return err
	}
	if el.TermSearch == "" {
		return errors.New("no narrowed search to sample")
	}
	return s.env.submit(ctx, s, id, search.EventSample(el.TermSearch, s.env.Cfg.GetSampleCap()), "")
}

// HandleResults consumes two row shapes from the sampling query: one
// summary row (avg_size, sample_count, earliest, latest) and one field row
// per observed field (field, success_ratio). Field compliance is grouped
// per linked category and merged into one aggregate ratio for the product.
func (s *eventsizeStage) HandleResults(ctx context.Context, id string, rows []search.Row) error {
	var (
		avgSize     float64
		sampleCount float64
		earliest    float64
		latest      float64
		fieldRatios = make(map[string]float64)
	)
	for _, row := range rows {
		if v, ok := row["avg_size"]; ok {
			avgSize = parseFloat(v)
			sampleCount = parseFloat(row["sample_count"])
			earliest = parseFloat(row["earliest"])
			latest = parseFloat(row["latest"])
			continue
		}
		if field := row["field"]; field != "" {
			fieldRatios[field] = parseFloat(row["success_ratio"])
		}
	}
	if sampleCount == 0 {
		return errors.New("sample returned no events")
	}

	ratio := samplingRatio(sampleCount, float64(s.env.Cfg.GetSampleCap()), earliest, latest)

	el, err := s.env.Store.Get(id)
	if err != nil {
		return err
	}
	detail := make(map[string]map[string]bool)
	compliant, required := 0, 0
	for _, categoryID := range el.LinkedCategories() {
		cat, ok := s.env.Catalog[categoryID]
		if !ok || len(cat.RequiredFields) == 0 {
			continue
		}
		fields := make(map[string]bool, len(cat.RequiredFields))
		for _, field := range cat.RequiredFields {
			ok := fieldRatios[field] > complianceThreshold
			fields[field] = ok
			required++
			if ok {
				compliant++
			}
		}
		detail[categoryID] = fields
	}
	aggregate := 0.0
	if required > 0 {
		aggregate = float64(compliant) / float64(required)
	}

	err = s.env.Store.Update(id, func(el *element.Element) {
		el.Metrics.AvgEventSizeBytes = avgSize
		el.Metrics.SamplingRatio = ratio
		el.Metrics.CIMFieldRatio = aggregate
		if len(detail) > 0 {
			el.Metrics.CIMFieldDetail = detail
		}
		vol := el.StageStateFor(element.StageVolume)
		if vol.Status == element.StatusNew {
			vol.Status = element.StatusPending
		}
	})
	if err != nil {
		return err
	}
	return s.env.Registry().Get(element.StageVolume).Load(ctx, id)
}

func (s *eventsizeStage) Poll(ctx context.Context, id string) error {
	return s.env.pollCommon(ctx, s, id)
}

func (s *eventsizeStage) Cancel(ctx context.Context, id string) error {
	return s.env.cancelCommon(ctx, element.StageEventsize, id)
}

func (s *eventsizeStage) Status() Counts { return s.env.countsFor(element.StageEventsize) }

// samplingRatio extrapolates a capped sample to the full lookback window.
// A sample below the cap saw everything, so the ratio is 1. A capped sample
// only covered latest-earliest seconds of the day-long window; volume
// estimates multiply by window/span to compensate.
func samplingRatio(sampleCount, sampleCap, earliest, latest float64) float64 {
	const windowSeconds = 86400
	if sampleCount < sampleCap {
		return 1
	}
	span := latest - earliest
	if span <= 0 {
		return 1
	}
	ratio := windowSeconds / span
	if ratio < 1 {
		return 1
	}
	return ratio
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
