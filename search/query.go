package search

import (
	"fmt"
	"sort"
	"strings"
)

// Query builders for the five scheduled stages. Each returns opaque DSL text;
// the engine never parses what it builds. Result-row field names consumed by
// the stage handlers:
//
//	scan/detection/breakdown rows: index, sourcetype, source, count
//	event-sample rows:             avg_size, sample_count, earliest, latest
//	                               (summary) or field, success_ratio (per field)
//	volume rows:                   one per day: count, hosts

// InitScan is the one global scan computing (index, sourcetype, source)
// triples over recent history. Its job id is retained and reused by the
// sourcetype stage via BreakdownFromJob.
func InitScan() string {
	return "| tstats count where index=* earliest=-1d by index, sourcetype, source"
}

// CategoryDetection wraps a category's canonical detection query with the
// recent-history window the inventory pass works over.
func CategoryDetection(baseSearch string) string {
	base := strings.TrimSpace(baseSearch)
	if strings.HasPrefix(base, "|") {
		return base
	}
	return fmt.Sprintf("search %s earliest=-1d | stats count by index, sourcetype, source", base)
}

// BreakdownFromJob re-reads the init scan's result set by job reference and
// narrows it to one product's detection filter, avoiding a second raw scan.
func BreakdownFromJob(initJobID, productFilter string) string {
	return fmt.Sprintf("| loadjob %s | search %s | stats sum(count) as count by index, sourcetype, source", initJobID, productFilter)
}

// EventSample measures average raw event size and per-field fill quality
// over a capped sample of the product's narrowed search.
func EventSample(termSearch string, sampleCap int) string {
	return fmt.Sprintf(
		"search %s earliest=-1d | head %d | eval event_size=len(_raw) | fieldsummary | appendpipe [ stats avg(event_size) as avg_size count as sample_count min(_time) as earliest max(_time) as latest ]",
		termSearch, sampleCap)
}

// VolumeScan buckets the product's narrowed search by day so the handler can
// average daily event and distinct-host counts.
func VolumeScan(termSearch string, days int) string {
	return fmt.Sprintf(
		"| tstats count dc(host) as hosts where %s earliest=-%dd by _time span=1d",
		termSearch, days)
}

// TermExpression builds the narrowed search expression for one result row,
// quoting each present metadata field. Rows without any of the three fields
// yield an empty expression.
func TermExpression(row Row) string {
	var parts []string
	for _, field := range []string{"index", "sourcetype", "source"} {
		if v := row[field]; v != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", field, v))
		}
	}
	return strings.Join(parts, " ")
}

// CombineTerms merges several narrowed expressions into one OR query,
// deduplicated and ordered for stable output.
func CombineTerms(terms []string) string {
	seen := make(map[string]bool, len(terms))
	var uniq []string
	for _, t := range terms {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		uniq = append(uniq, t)
	}
	sort.Strings(uniq)
	switch len(uniq) {
	case 0:
		return ""
	case 1:
		return uniq[0]
	}
	return "(" + strings.Join(uniq, ") OR (") + ")"
}
