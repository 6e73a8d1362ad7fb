// Package selection holds the viewer's filter and selection state and the
// reducer that moves it between states.  Reduce is pure, so the whole
// state machine is testable without a map or a browser.
package selection

import (
	"chronos-map/pkg/derived"
	"chronos-map/pkg/interventions"
)

// DefaultZoom is the map zoom a fresh view starts at.
const DefaultZoom = 2.5

// State is everything a single viewer has chosen.
type State struct {
	Year      derived.YearFilter
	Record    *interventions.Record
	PanelOpen bool
	Zoom      float64
}

// Initial returns the state of a fresh view: all years, no record,
// panel closed.
func Initial(zoom float64) State {
	return State{Year: derived.AllYears(), Zoom: zoom}
}

// Action is a user intent emitted by the map page.
type Action interface {
	// Kind names the action for logs and metrics.
	Kind() string
}

// SelectYear filters the map to one year.
type SelectYear struct{ Year int }

// ShowAll drops the year filter.
type ShowAll struct{}

// SelectRecord shows a record in the side panel.
type SelectRecord struct{ Record interventions.Record }

// ClosePanel hides the side panel.
type ClosePanel struct{}

// ZoomChanged reports the map's new zoom level.
type ZoomChanged struct{ Level float64 }

func (SelectYear) Kind() string   { return "selectYear" }
func (ShowAll) Kind() string      { return "showAll" }
func (SelectRecord) Kind() string { return "selectRecord" }
func (ClosePanel) Kind() string   { return "closePanel" }
func (ZoomChanged) Kind() string  { return "zoom" }

// Reduce applies a to s and returns the next state.  s is not modified.
//
//   - SelectYear sets the year and clears the record; the panel stays as is.
//   - ShowAll clears year and record; the panel stays as is.
//   - SelectRecord sets the record and opens the panel; the year stays.
//   - ClosePanel closes the panel and keeps the record.
//   - ZoomChanged only updates the zoom.
//
// Unknown actions return s unchanged.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SelectYear:
		s.Year = derived.OnlyYear(a.Year)
		s.Record = nil
	case ShowAll:
		s.Year = derived.AllYears()
		s.Record = nil
	case SelectRecord:
		r := a.Record
		r.Years = append([]int(nil), r.Years...)
		s.Record = &r
		s.PanelOpen = true
	case ClosePanel:
		s.PanelOpen = false
	case ZoomChanged:
		s.Zoom = a.Level
	}
	return s
}

// YearForIndex maps a slider position to a year.  Out-of-range indexes
// clamp to the nearest end; ok is false only when years is empty.
func YearForIndex(years []int, index int) (year int, ok bool) {
	if len(years) == 0 {
		return 0, false
	}
	if index < 0 {
		index = 0
	}
	if index >= len(years) {
		index = len(years) - 1
	}
	return years[index], true
}

// IndexOfYear returns the slider position of the filter year, or 0 when
// the filter is empty or the year is not on the axis.
func IndexOfYear(years []int, f derived.YearFilter) int {
	y, ok := f.Year()
	if !ok {
		return 0
	}
	for i, v := range years {
		if v == y {
			return i
		}
	}
	return 0
}
