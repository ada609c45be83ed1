package stage

import (
	"context"
	"errors"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/search"
)

// volumeStage estimates steady-state volume for a product: average daily
// event count (scaled by the eventsize stage's sampling ratio) and average
// distinct hosts per day over the lookback window.
type volumeStage struct {
	env *Env
}

func newVolumeStage(env *Env) *volumeStage { return &volumeStage{env: env} }

func (s *volumeStage) Name() element.StageName { return element.StageVolume }
func (s *volumeStage) Priority() int           { return 4 }

func (s *volumeStage) IsRelevant(id string) bool {
	return id != InitElementID && !element.IsCategoryID(id)
}

func (s *volumeStage) Ready(context.Context, string) bool { return true }

func (s *volumeStage) Load(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	return s.env.loadRow(element.StageVolume, id, element.StatusNew, func(el *element.Element) string {
		return el.TermSearch
	})
}

func (s *volumeStage) Start(ctx context.Context, id string) error {
	if !s.IsRelevant(id) {
		return ErrNotRelevant
	}
	el, err := s.env.Store.Get(id)
	if err != nil {
		return err
	}
	if el.TermSearch == "" {
		return errors.New("no narrowed search to measure")
	}
	return s.env.submit(ctx, s, id, search.VolumeScan(el.TermSearch, s.env.Cfg.GetVolumeDays()), "")
}

// HandleResults averages the per-day rows. Days without data still count
// toward the denominator: a source that logs twice a week really does have
// a low daily average.
func (s *volumeStage) HandleResults(ctx context.Context, id string, rows []search.Row) error {
	if len(rows) == 0 {
		return errors.New("volume scan returned no data")
	}
	var events, hosts float64
	for _, row := range rows {
		events += parseFloat(row["count"])
		hosts += parseFloat(row["hosts"])
	}
	days := float64(s.env.Cfg.GetVolumeDays())

	return s.env.Store.Update(id, func(el *element.Element) {
		ratio := el.Metrics.SamplingRatio
		if ratio < 1 {
			ratio = 1
		}
		el.Metrics.DailyEvents = events / days * ratio
		el.Metrics.DailyHosts = hosts / days
	})
}

func (s *volumeStage) Poll(ctx context.Context, id string) error {
	return s.env.pollCommon(ctx, s, id)
}

func (s *volumeStage) Cancel(ctx context.Context, id string) error {
	return s.env.cancelCommon(ctx, element.StageVolume, id)
}

func (s *volumeStage) Status() Counts { return s.env.countsFor(element.StageVolume) }
