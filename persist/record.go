package persist

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/siftsec/introspect/element"
)

// Persisted field names. The layout is shared with the remote collections
// and must not drift: the UI and export tooling read these keys directly.
const (
	FieldKey             = "_key"
	FieldProductID       = "productId"
	FieldProductName     = "productName"
	FieldVendorName      = "vendorName"
	FieldEventtypeID     = "eventtypeId"
	FieldStage           = "stage"
	FieldStatus          = "status"
	FieldBaseSearch      = "basesearch"
	FieldTermSearch      = "termsearch"
	FieldMetadata        = "metadata_json"
	FieldCIMDetail       = "cim_detail"
	FieldEventSize       = "eventsize"
	FieldCIMCompliant    = "cim_compliant_fields"
	FieldDailyEvents     = "daily_event_volume"
	FieldDailyHosts      = "daily_host_volume"
	FieldSamplingRatio   = "desired_sampling_ratio"
	FieldCoverageLevel   = "coverage_level"
	FieldJSONStatus      = "jsonStatus"
	FieldCreatedTime     = "created_time"
	FieldUpdatedTime     = "updated_time"
)

// NumericFields lists the fields declared numeric in the persisted layout.
// String values in these fields are coerced before writing; values that do
// not parse are dropped from the record rather than corrupting the write.
var NumericFields = map[string]bool{
	FieldEventSize:     true,
	FieldCIMCompliant:  true,
	FieldDailyEvents:   true,
	FieldDailyHosts:    true,
	FieldSamplingRatio: true,
	FieldCoverageLevel: true,
	FieldCreatedTime:   true,
	FieldUpdatedTime:   true,
}

// CoerceNumeric normalizes declared-numeric fields in place: numeric types
// become float64, parseable strings are parsed, anything else is removed.
func CoerceNumeric(rec Record) {
	for field := range NumericFields {
		v, ok := rec[field]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
		case float32:
			rec[field] = float64(n)
		case int:
			rec[field] = float64(n)
		case int64:
			rec[field] = float64(n)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				delete(rec, field)
				continue
			}
			rec[field] = parsed
		default:
			delete(rec, field)
		}
	}
}

// elementMetadata is the free-form sub-object persisted as metadata_json.
type elementMetadata struct {
	DisplayName string `json:"display_name,omitempty"`
}

// FromElement flattens an element into its persisted record.
func FromElement(el *element.Element) Record {
	jsonStatus, _ := json.Marshal(el.PerStage)
	cimDetail, _ := json.Marshal(el.Metrics.CIMFieldDetail)
	metadata, _ := json.Marshal(elementMetadata{DisplayName: el.DisplayName})

	rec := Record{
		FieldKey:           el.ID,
		FieldProductID:     el.Identity.ProductID,
		FieldProductName:   el.Identity.ProductName,
		FieldVendorName:    el.Identity.VendorName,
		FieldEventtypeID:   strings.Join(el.LinkedCategoryIDs, "|"),
		FieldStage:         string(el.Stage),
		FieldStatus:        string(el.Status),
		FieldBaseSearch:    el.BaseSearch,
		FieldTermSearch:    el.TermSearch,
		FieldMetadata:      string(metadata),
		FieldCIMDetail:     string(cimDetail),
		FieldEventSize:     el.Metrics.AvgEventSizeBytes,
		FieldCIMCompliant:  el.Metrics.CIMFieldRatio,
		FieldDailyEvents:   el.Metrics.DailyEvents,
		FieldDailyHosts:    el.Metrics.DailyHosts,
		FieldSamplingRatio: el.Metrics.SamplingRatio,
		FieldCoverageLevel: float64(el.CoverageLevel),
		FieldJSONStatus:    string(jsonStatus),
		FieldCreatedTime:   float64(el.CreatedAt.Unix()),
		FieldUpdatedTime:   float64(el.UpdatedAt.Unix()),
	}
	CoerceNumeric(rec)
	return rec
}

// ToElement rebuilds an element from its persisted record. The record is
// retained as the element's last-persisted snapshot for change detection.
func ToElement(rec Record) (*element.Element, error) {
	key := rec.Key()
	if key == "" {
		return nil, ErrInvalidRecord
	}

	el := element.NewElement(key)
	el.Identity = element.Identity{
		ProductID:   str(rec, FieldProductID),
		ProductName: str(rec, FieldProductName),
		VendorName:  str(rec, FieldVendorName),
	}
	if joined := str(rec, FieldEventtypeID); joined != "" {
		el.LinkedCategoryIDs = strings.Split(joined, "|")
	}
	el.BaseSearch = str(rec, FieldBaseSearch)
	el.TermSearch = str(rec, FieldTermSearch)

	if meta := str(rec, FieldMetadata); meta != "" {
		var m elementMetadata
		if err := json.Unmarshal([]byte(meta), &m); err == nil {
			el.DisplayName = m.DisplayName
		}
	}
	if detail := str(rec, FieldCIMDetail); detail != "" && detail != "null" {
		_ = json.Unmarshal([]byte(detail), &el.Metrics.CIMFieldDetail)
	}
	if status := str(rec, FieldJSONStatus); status != "" && status != "null" {
		perStage := make(map[element.StageName]*element.StageState)
		if err := json.Unmarshal([]byte(status), &perStage); err == nil {
			el.PerStage = perStage
		}
	}

	el.Metrics.AvgEventSizeBytes = num(rec, FieldEventSize)
	el.Metrics.CIMFieldRatio = num(rec, FieldCIMCompliant)
	el.Metrics.DailyEvents = num(rec, FieldDailyEvents)
	el.Metrics.DailyHosts = num(rec, FieldDailyHosts)
	el.Metrics.SamplingRatio = num(rec, FieldSamplingRatio)
	el.CoverageLevel = -1
	if _, ok := rec[FieldCoverageLevel]; ok {
		el.CoverageLevel = int(num(rec, FieldCoverageLevel))
	}
	if created := num(rec, FieldCreatedTime); created > 0 {
		el.CreatedAt = time.Unix(int64(created), 0)
	}
	if updated := num(rec, FieldUpdatedTime); updated > 0 {
		el.UpdatedAt = time.Unix(int64(updated), 0)
	}

	if len(el.PerStage) > 0 {
		el.Stage, el.Status = element.Derive(el.PerStage)
	}
	el.LastPersisted = map[string]any(rec)
	return el, nil
}

func str(rec Record, field string) string {
	s, _ := rec[field].(string)
	return s
}

func num(rec Record, field string) float64 {
	switch v := rec[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return parsed
	}
	return 0
}

// Changed reports whether the element's current record differs from its
// last-persisted snapshot in any tracked field.
func Changed(rec Record, snapshot map[string]any) bool {
	if snapshot == nil {
		return true
	}
	for field, v := range rec {
		if field == FieldUpdatedTime {
			// Touch-only changes do not warrant a write.
			continue
		}
		if prev, ok := snapshot[field]; !ok || prev != v {
			return true
		}
	}
	return false
}
