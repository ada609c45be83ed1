package element

// Derive recomputes the coarse (stage, status) pair from the fine-grained
// per-stage map. It is a pure function over an ordered transition table:
// the first row whose stage is present with a matching status decides the
// result. Elements with every present stage in a terminal pass state land
// at all-done.
//
// The coarse pair is strictly a cache; dispatch and blocking decisions read
// PerStage directly.
func Derive(perStage map[StageName]*StageState) (StageName, Status) {
	for _, tr := range transitions {
		st, ok := perStage[tr.stage]
		if !ok {
			continue
		}
		for _, want := range tr.when {
			if st.Status == want {
				if tr.copyStatus {
					return tr.outStage, st.Status
				}
				return tr.outStage, tr.outStatus
			}
		}
	}
	return StageAllDone, doneStatus(perStage)
}

// transition maps one observed per-stage status onto the derived coarse pair.
// copyStatus passes the per-stage status through unchanged.
type transition struct {
	stage      StageName
	when       []Status
	outStage   StageName
	outStatus  Status
	copyStatus bool
}

var active = []Status{StatusNew, StatusPending, StatusBlocked, StatusSearching, StatusFailure}

// transitions is evaluated in order. Review outranks everything: a product
// waiting on human triage reports needsConfirmation even if automated stages
// still hold state. The scan stages report their own status verbatim; the
// analysis stages translate to the analyzing/introspectionFailed vocabulary
// the presentation layer keys on.
var transitions = []transition{
	{stage: StageReview, when: []Status{StatusNew, StatusPending, StatusSearching}, outStage: StageReview, outStatus: StatusNeedsConfirmation},
	{stage: StageReview, when: []Status{StatusFailure}, outStage: StageReview, outStatus: StatusFailure},
	{stage: StageReview, when: []Status{StatusManual}, outStage: StageAllDone, outStatus: StatusManual},

	{stage: StageInit, when: active, outStage: StageInit, copyStatus: true},
	{stage: StageCIM, when: active, outStage: StageCIM, copyStatus: true},
	{stage: StageSourcetype, when: active, outStage: StageSourcetype, copyStatus: true},

	{stage: StageEventsize, when: []Status{StatusNew, StatusPending, StatusBlocked, StatusSearching}, outStage: StageEventsize, outStatus: StatusAnalyzing},
	{stage: StageEventsize, when: []Status{StatusFailure}, outStage: StageEventsize, outStatus: StatusIntrospectionFailed},

	{stage: StageVolume, when: []Status{StatusNew, StatusPending, StatusBlocked, StatusSearching}, outStage: StageVolume, outStatus: StatusAnalyzingTwo},
	{stage: StageVolume, when: []Status{StatusFailure}, outStage: StageVolume, outStatus: StatusIntrospectionFailedTwo},
}

// doneStatus picks the terminal coarse status for an element whose stages
// are all settled: reviewed when it passed through human confirmation,
// complete otherwise.
func doneStatus(perStage map[StageName]*StageState) Status {
	if review, ok := perStage[StageReview]; ok && review.Status == StatusSuccess {
		// Only report reviewed while no downstream stage ran to completion;
		// once analysis finishes the element is complete like any other.
		settledDownstream := false
		for _, name := range []StageName{StageEventsize, StageVolume} {
			if st, ok := perStage[name]; ok && st.Status == StatusSuccess {
				settledDownstream = true
			}
		}
		if !settledDownstream {
			return StatusReviewed
		}
	}
	return StatusComplete
}
