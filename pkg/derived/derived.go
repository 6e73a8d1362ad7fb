// Package derived turns the Event Store and the current filter into the
// values the map draws: the year axis, the visible records, the header
// counters and the marker radius.  Every function is pure; callers may
// memoise results by (records, year) without changing behaviour.
package derived

import (
	"encoding/json"
	"math"
	"sort"

	"chronos-map/pkg/interventions"
)

// YearFilter is the selected year, or "all years" when unset.
type YearFilter struct {
	year int
	set  bool
}

// AllYears returns the empty filter.
func AllYears() YearFilter { return YearFilter{} }

// OnlyYear returns a filter for a single year.
func OnlyYear(y int) YearFilter { return YearFilter{year: y, set: true} }

// Year returns the selected year and whether one is set.
func (f YearFilter) Year() (int, bool) { return f.year, f.set }

// IsAll reports whether no year is selected.
func (f YearFilter) IsAll() bool { return !f.set }

// MarshalJSON encodes the empty filter as null.
func (f YearFilter) MarshalJSON() ([]byte, error) {
	if !f.set {
		return []byte("null"), nil
	}
	return json.Marshal(f.year)
}

// UnmarshalJSON accepts null or an integer year.
func (f *YearFilter) UnmarshalJSON(b []byte) error {
	var y *int
	if err := json.Unmarshal(b, &y); err != nil {
		return err
	}
	if y == nil {
		*f = AllYears()
		return nil
	}
	*f = OnlyYear(*y)
	return nil
}

// DistinctYears returns every year present in any record, ascending and
// without duplicates.
func DistinctYears(records []interventions.Record) []int {
	seen := make(map[int]struct{})
	for _, r := range records {
		for _, y := range r.Years {
			seen[y] = struct{}{}
		}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// FilterByYear keeps the records that occurred in the filter year, in
// their original order.  A record listing the year twice appears once.
// The empty filter returns the input unchanged.
func FilterByYear(records []interventions.Record, f YearFilter) []interventions.Record {
	year, ok := f.Year()
	if !ok {
		return records
	}
	out := make([]interventions.Record, 0, len(records))
	for _, r := range records {
		if r.HasYear(year) {
			out = append(out, r)
		}
	}
	return out
}

// Counter names a header tally.
type Counter string

const (
	CounterOperations Counter = "operations"
	CounterCoups      Counter = "coups"
)

// CounterMapping routes each category to the counter it feeds.  A
// category missing from the mapping is untallied.
type CounterMapping map[interventions.Category]Counter

// DefaultCounters tallies operations and coups.  Support has no counter
// and lands in Untallied.
func DefaultCounters() CounterMapping {
	return CounterMapping{
		interventions.CategoryOperation: CounterOperations,
		interventions.CategoryCoup:      CounterCoups,
	}
}

// Counts are the header tallies for the visible records.
type Counts struct {
	Operations int `json:"operations"`
	Coups      int `json:"coups"`
	// Untallied sums occurrences whose category has no counter.
	Untallied int `json:"untallied"`
}

// ComputeCounts sums occurrences per counter.  With a year selected each
// record weighs 1; with all years each record weighs len(Years), so the
// all-years view counts every occurrence, not every record.
//
// logf, when non-nil, is told once per call about each category that has
// no counter.
func ComputeCounts(records []interventions.Record, f YearFilter, mapping CounterMapping, logf func(string, ...any)) Counts {
	var c Counts
	var missed map[interventions.Category]int
	for _, r := range records {
		weight := 1
		if f.IsAll() {
			weight = len(r.Years)
		}
		switch mapping[r.Category] {
		case CounterOperations:
			c.Operations += weight
		case CounterCoups:
			c.Coups += weight
		default:
			c.Untallied += weight
			if missed == nil {
				missed = make(map[interventions.Category]int)
			}
			missed[r.Category] += weight
		}
	}
	if logf != nil {
		for _, cat := range interventions.Categories {
			if n, ok := missed[cat]; ok {
				logf("counts: category %q has no counter, %d occurrence(s) untallied", cat, n)
				delete(missed, cat)
			}
		}
		for cat, n := range missed {
			logf("counts: unknown category %q, %d occurrence(s) untallied", cat, n)
		}
	}
	return c
}

// RadiusConfig holds the marker sizing constants.
type RadiusConfig struct {
	// BaseSelected is the base radius when a year is selected.
	BaseSelected float64 `toml:"base-selected"`
	// BaseAll is the base radius in the all-years view.
	BaseAll float64 `toml:"base-all"`
	// Factor multiplies the occurrence count for the all-years bonus.
	Factor float64 `toml:"factor"`
	// Cap bounds the all-years bonus.
	Cap float64 `toml:"cap"`
	// Floor is the smallest radius ever drawn, so markers stay clickable.
	Floor float64 `toml:"floor"`
	// ReferenceZoom is the zoom level at which radii are drawn unscaled.
	ReferenceZoom float64 `toml:"reference-zoom"`
}

// DefaultRadius is the canonical constant set.
var DefaultRadius = RadiusConfig{
	BaseSelected:  12,
	BaseAll:       9,
	Factor:        1.2,
	Cap:           10,
	Floor:         7,
	ReferenceZoom: 3.5,
}

// ComputeRadius sizes a marker.  In the all-years view records with more
// occurrences grow, up to Cap; the result scales linearly with zoom and
// never falls below Floor.
func ComputeRadius(r interventions.Record, f YearFilter, zoom float64, cfg RadiusConfig) float64 {
	base := cfg.BaseSelected
	bonus := 0.0
	if f.IsAll() {
		base = cfg.BaseAll
		bonus = math.Min(float64(len(r.Years))*cfg.Factor, cfg.Cap)
	}
	return math.Max(cfg.Floor, (base+bonus)*(zoom/cfg.ReferenceZoom))
}
