// Package view assembles everything the map page needs for one render:
// the visible markers with their size and colour, the header counters,
// the slider bounds and the current selection.
package view

import (
	"chronos-map/pkg/derived"
	"chronos-map/pkg/interventions"
	"chronos-map/pkg/selection"
)

// Marker colours by category.
const (
	ColorOperation = "#ef4444"
	ColorOther     = "#f59e0b"
)

// Fly-to animation used when a record is selected.
const (
	FlyToZoom    = 6
	FlyToSeconds = 1.5
)

// Options carries the tunables Build needs.
type Options struct {
	Radius   derived.RadiusConfig
	Counters derived.CounterMapping
	Logf     func(string, ...any)
}

// DefaultOptions returns the canonical constants.
func DefaultOptions() Options {
	return Options{Radius: derived.DefaultRadius, Counters: derived.DefaultCounters()}
}

// Slider describes the year range input.
type Slider struct {
	Min   int `json:"min"`
	Max   int `json:"max"`
	Step  int `json:"step"`
	Index int `json:"index"`
	// Last is the highest valid index.
	Last int `json:"last"`
}

// Marker is one circle on the map.
type Marker struct {
	ID       string                 `json:"id"`
	Country  string                 `json:"country"`
	Summary  string                 `json:"summary"`
	Category interventions.Category `json:"category"`
	Lat      float64                `json:"lat"`
	Lon      float64                `json:"lon"`
	Radius   float64                `json:"radius"`
	Color    string                 `json:"color"`
	// Badge is the occurrence count drawn over the circle; zero hides it.
	Badge int `json:"badge,omitempty"`
}

// FlyTo asks the page to animate towards a selected record.
type FlyTo struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Zoom    float64 `json:"zoom"`
	Seconds float64 `json:"seconds"`
}

// Snapshot is the full derived view for one state.
type Snapshot struct {
	Years        []int                 `json:"years"`
	Slider       Slider                `json:"slider"`
	SelectedYear derived.YearFilter    `json:"selectedYear"`
	Markers      []Marker              `json:"markers"`
	Counts       derived.Counts        `json:"counts"`
	Selected     *interventions.Record `json:"selected"`
	PanelOpen    bool                  `json:"panelOpen"`
	Zoom         float64               `json:"zoom"`
	FlyTo        *FlyTo                `json:"flyTo,omitempty"`
}

// Build recomputes every derived value for st.  It is cheap enough to run
// after each action at this dataset's size.
func Build(store *interventions.Store, st selection.State, opts Options) Snapshot {
	records := store.All()
	years := derived.DistinctYears(records)
	visible := derived.FilterByYear(records, st.Year)

	snap := Snapshot{
		Years:        years,
		SelectedYear: st.Year,
		Counts:       derived.ComputeCounts(visible, st.Year, opts.Counters, opts.Logf),
		Selected:     st.Record,
		PanelOpen:    st.PanelOpen,
		Zoom:         st.Zoom,
		Markers:      make([]Marker, 0, len(visible)),
	}
	if len(years) > 0 {
		snap.Slider = Slider{
			Min:   years[0],
			Max:   years[len(years)-1],
			Step:  1,
			Index: selection.IndexOfYear(years, st.Year),
			Last:  len(years) - 1,
		}
	}

	for _, r := range visible {
		m := Marker{
			ID:       r.ID,
			Country:  r.Country,
			Summary:  r.Summary,
			Category: r.Category,
			Lat:      r.Location.Lat,
			Lon:      r.Location.Lon,
			Radius:   derived.ComputeRadius(r, st.Year, st.Zoom, opts.Radius),
			Color:    colorFor(r.Category),
		}
		if st.Year.IsAll() && r.Occurrences() > 1 {
			m.Badge = r.Occurrences()
		}
		snap.Markers = append(snap.Markers, m)
	}

	if st.Record != nil {
		snap.FlyTo = &FlyTo{
			Lat:     st.Record.Location.Lat,
			Lon:     st.Record.Location.Lon,
			Zoom:    FlyToZoom,
			Seconds: FlyToSeconds,
		}
	}
	return snap
}

func colorFor(c interventions.Category) string {
	if c == interventions.CategoryOperation {
		return ColorOperation
	}
	return ColorOther
}
