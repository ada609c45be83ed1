// Package element defines the central data model of the introspection engine:
// the Element, its per-stage lifecycle state, and the in-memory Store that is
// the system of record during a session.
//
// One Element exists per discovered event-type category (catalog-defined ids
// matching the DS###/VendorSpecific pattern) or per product (a concrete
// vendor+product data-source instance). The coarse Stage/Status pair on an
// Element is always a cache derived from the fine-grained PerStage map; see
// Derive.
package element

import (
	"regexp"
	"strings"
	"time"
)

// StageName identifies a pipeline stage.
type StageName string

// Pipeline stages in priority order. StageAllDone is a derived terminal
// position, never a scheduled stage.
const (
	StageInit       StageName = "step-init"
	StageCIM        StageName = "step-cim"
	StageSourcetype StageName = "step-sourcetype"
	StageReview     StageName = "step-review"
	StageEventsize  StageName = "step-eventsize"
	StageVolume     StageName = "step-volume"
	StageAllDone    StageName = "all-done"
)

// Status is the lifecycle state of an Element or of one of its stages.
//
// Per-stage states use the fine-grained subset (new, pending, blocked,
// searching, success, failure, skipped, cancelled, manual). The remaining
// values only appear as derived coarse statuses.
type Status string

const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusSearching Status = "searching"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusManual    Status = "manual"

	// Derived coarse statuses.
	StatusComplete               Status = "complete"
	StatusNeedsConfirmation      Status = "needsConfirmation"
	StatusReviewed               Status = "reviewed"
	StatusAnalyzing              Status = "analyzing"
	StatusAnalyzingTwo           Status = "analyzingtwo"
	StatusIntrospectionFailed    Status = "introspectionFailed"
	StatusIntrospectionFailedTwo Status = "introspectionFailedTwo"
)

// statusRank orders the forward-only per-stage progression. Terminal
// overrides (skipped, cancelled) are exempt and may be applied at any point.
var statusRank = map[Status]int{
	StatusNew:       0,
	StatusPending:   1,
	StatusBlocked:   1,
	StatusSearching: 2,
	StatusSuccess:   3,
	StatusFailure:   3,
	StatusManual:    3,
}

// IsTerminal reports whether s is a per-stage end state: the stage will not
// be scheduled again without an explicit reset.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled, StatusManual:
		return true
	}
	return false
}

// Row is one result row from the search service. Declared as an alias so
// adapter row slices flow into stage state without conversion.
type Row = map[string]string

// StageState is the fine-grained status of one Element at one stage.
type StageState struct {
	Status Status `json:"status"`
	// Rows holds the raw result payload delivered by the search adapter,
	// retained so downstream stages (and blocking resolution) can re-read it.
	Rows []Row `json:"rows,omitempty"`
	// Message carries the failure detail when Status is failure.
	Message string `json:"message,omitempty"`
	// StartedAt records when the stage entered searching; the poll loop
	// measures orphan grace from it. Session-local, never persisted.
	StartedAt time.Time `json:"-"`
}

// Advance moves the stage state forward to next. It refuses backward
// transitions; skipped and cancelled are accepted from any state as terminal
// overrides. Returns false when the transition was refused.
func (st *StageState) Advance(next Status) bool {
	if next == StatusSkipped || next == StatusCancelled {
		st.Status = next
		return true
	}
	cur, ok := statusRank[st.Status]
	if !ok {
		// Current state is a terminal override; nothing moves forward from it.
		return false
	}
	nxt, ok := statusRank[next]
	if !ok || nxt < cur {
		return false
	}
	st.Status = next
	return true
}

// Demote returns the stage state to pending, used when a paused workflow
// cancels an in-flight search so the dispatcher can re-admit it later, and
// when a failed element is reset for a fresh introspection pass.
func (st *StageState) Demote() {
	st.Status = StatusPending
}

// Identity is the vendor/product resolution of an Element.
type Identity struct {
	ProductID   string `json:"product_id,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	VendorName  string `json:"vendor_name,omitempty"`
}

// IsZero reports whether no identity has been resolved.
func (id Identity) IsZero() bool {
	return id.ProductID == "" && id.ProductName == "" && id.VendorName == ""
}

// Metrics holds the measurements computed by the eventsize and volume stages.
type Metrics struct {
	AvgEventSizeBytes float64 `json:"avg_event_size_bytes,omitempty"`
	CIMFieldRatio     float64 `json:"cim_field_ratio,omitempty"`
	DailyEvents       float64 `json:"daily_events,omitempty"`
	DailyHosts        float64 `json:"daily_hosts,omitempty"`
	SamplingRatio     float64 `json:"sampling_ratio,omitempty"`
	// CIMFieldDetail maps linked category id -> field name -> compliant.
	CIMFieldDetail map[string]map[string]bool `json:"cim_field_detail,omitempty"`
}

// JobHandle is the reference to an in-flight remote search job.
type JobHandle struct {
	JobID     string
	StartedAt time.Time
}

// Element is the live state of one discovered entity.
type Element struct {
	ID          string
	DisplayName string

	// Stage and Status are the derived coarse position; they cache Derive
	// over PerStage and are refreshed by Reconcile. Dispatch decisions never
	// read them.
	Stage  StageName
	Status Status

	PerStage map[StageName]*StageState

	BaseSearch string
	TermSearch string

	// LinkedCategoryIDs lists the event-type categories this product
	// satisfies, in discovery order; persisted pipe-joined.
	LinkedCategoryIDs []string

	Identity Identity
	Metrics  Metrics

	// CoverageLevel is an operator-assigned coverage rating; -1 means unset.
	CoverageLevel int

	// Job is the handle of the active remote search, nil when idle. Uses
	// wall-clock start time for orphan and hard-timeout decisions.
	Job *JobHandle

	// LoadedStages guards against duplicate row materialization.
	LoadedStages map[StageName]bool

	// LastPersisted is the last durably written record, used for change
	// detection before enqueueing a sync.
	LastPersisted map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	categoryIDPattern = regexp.MustCompile(`^(DS\d|VendorSpecific)`)
	reviewIDPrefix    = "NEEDSREVIEW_"
)

// IsCategoryID reports whether id names a catalog-defined event-type
// category rather than a product.
func IsCategoryID(id string) bool {
	return categoryIDPattern.MatchString(id)
}

// IsReviewID reports whether id names a synthesized product awaiting human
// triage.
func IsReviewID(id string) bool {
	return strings.HasPrefix(id, reviewIDPrefix)
}

// NewElement returns an Element initialized at the new state with empty
// tracking maps and an unset coverage level.
func NewElement(id string) *Element {
	now := time.Now()
	return &Element{
		ID:            id,
		Stage:         StageInit,
		Status:        StatusNew,
		PerStage:      make(map[StageName]*StageState),
		LoadedStages:  make(map[StageName]bool),
		CoverageLevel: -1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StageStateFor returns the stage state for name, creating it at status new
// when absent.
func (e *Element) StageStateFor(name StageName) *StageState {
	st, ok := e.PerStage[name]
	if !ok {
		st = &StageState{Status: StatusNew}
		e.PerStage[name] = st
	}
	return st
}

// LinkCategory appends categoryID to LinkedCategoryIDs when not already
// present and reports whether the set changed.
func (e *Element) LinkCategory(categoryID string) bool {
	for _, existing := range e.LinkedCategoryIDs {
		if existing == categoryID {
			return false
		}
	}
	e.LinkedCategoryIDs = append(e.LinkedCategoryIDs, categoryID)
	return true
}

// LinkedCategories returns only the linked ids that match the category-id
// pattern. Product term searches may link to ad-hoc ids; those never block
// the sourcetype stage.
func (e *Element) LinkedCategories() []string {
	var out []string
	for _, id := range e.LinkedCategoryIDs {
		if IsCategoryID(id) {
			out = append(out, id)
		}
	}
	return out
}

// Reconcile re-derives the coarse Stage/Status cache from PerStage. It must
// run after every per-stage mutation and before the element is handed to the
// presentation callbacks or the sync writer.
func (e *Element) Reconcile() {
	e.Stage, e.Status = Derive(e.PerStage)
	e.UpdatedAt = time.Now()
}

// Clone returns a deep copy safe to hand outside the store lock.
func (e *Element) Clone() *Element {
	cp := *e
	cp.PerStage = make(map[StageName]*StageState, len(e.PerStage))
	for name, st := range e.PerStage {
		stc := *st
		stc.Rows = append([]Row(nil), st.Rows...)
		cp.PerStage[name] = &stc
	}
	cp.LinkedCategoryIDs = append([]string(nil), e.LinkedCategoryIDs...)
	cp.LoadedStages = make(map[StageName]bool, len(e.LoadedStages))
	for name, loaded := range e.LoadedStages {
		cp.LoadedStages[name] = loaded
	}
	if e.Metrics.CIMFieldDetail != nil {
		cp.Metrics.CIMFieldDetail = make(map[string]map[string]bool, len(e.Metrics.CIMFieldDetail))
		for cat, fields := range e.Metrics.CIMFieldDetail {
			fc := make(map[string]bool, len(fields))
			for f, ok := range fields {
				fc[f] = ok
			}
			cp.Metrics.CIMFieldDetail[cat] = fc
		}
	}
	if e.LastPersisted != nil {
		cp.LastPersisted = make(map[string]any, len(e.LastPersisted))
		for k, v := range e.LastPersisted {
			cp.LastPersisted[k] = v
		}
	}
	if e.Job != nil {
		job := *e.Job
		cp.Job = &job
	}
	return &cp
}
