// Package interventions holds the Event Store: the immutable list of
// intervention records plotted on the map.  The store is loaded once at
// startup and only ever read afterwards, so callers may share it between
// goroutines without coordination.
package interventions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"chronos-map/public_html/data"
)

// Category is the closed set of intervention kinds.
type Category string

const (
	CategoryOperation Category = "operation"
	CategoryCoup      Category = "coup"
	CategorySupport   Category = "support"
)

// Categories lists every known category in display order.
var Categories = []Category{CategoryOperation, CategoryCoup, CategorySupport}

// Valid reports whether c belongs to the enumeration.
func (c Category) Valid() bool {
	switch c {
	case CategoryOperation, CategoryCoup, CategorySupport:
		return true
	}
	return false
}

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Record is a single intervention entry.  Years may repeat; every entry
// is one occurrence.
type Record struct {
	ID       string   `json:"id"`
	Country  string   `json:"country"`
	Years    []int    `json:"years"`
	Category Category `json:"category"`
	Summary  string   `json:"summary"`
	Detail   string   `json:"detail"`
	Location Location `json:"location"`
}

// Occurrences returns how many (record, year) pairs the record holds.
func (r Record) Occurrences() int { return len(r.Years) }

// HasYear reports whether year is one of the record's occurrences.
func (r Record) HasYear(year int) bool {
	for _, y := range r.Years {
		if y == year {
			return true
		}
	}
	return false
}

// Load errors.  They surface at startup only; a malformed dataset is a
// build defect and the binary refuses to serve it.
var (
	ErrEmptyYears   = errors.New("record has no years")
	ErrEmptyID      = errors.New("record has no id")
	ErrDuplicateID  = errors.New("duplicate record id")
	ErrBadCategory  = errors.New("unknown category")
	ErrBadLocation  = errors.New("location out of range")
	ErrEmptyDataset = errors.New("dataset is empty")
)

// Validate checks the invariants every record must satisfy.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if len(r.Years) == 0 {
		return fmt.Errorf("%s: %w", r.ID, ErrEmptyYears)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%s: %w %q", r.ID, ErrBadCategory, r.Category)
	}
	lat, lon := r.Location.Lat, r.Location.Lon
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%s: %w: lat=%v", r.ID, ErrBadLocation, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%s: %w: lon=%v", r.ID, ErrBadLocation, lon)
	}
	return nil
}

// Store is the read-only record sequence.
type Store struct {
	records []Record
	byID    map[string]int
}

// NewStore validates records and freezes them into a Store.  The input
// slice is copied, so later changes by the caller do not leak in.
func NewStore(records []Record) (*Store, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}
	s := &Store{
		records: make([]Record, len(records)),
		byID:    make(map[string]int, len(records)),
	}
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := s.byID[r.ID]; dup {
			return nil, fmt.Errorf("record %d: %w %q", i, ErrDuplicateID, r.ID)
		}
		r.Years = append([]int(nil), r.Years...)
		s.records[i] = r
		s.byID[r.ID] = i
	}
	return s, nil
}

// Load decodes a JSON array of records and builds a Store from it.
func Load(r io.Reader) (*Store, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode interventions: %w", err)
	}
	return NewStore(records)
}

// LoadEmbedded loads the dataset compiled into the binary.
func LoadEmbedded() (*Store, error) {
	return Load(bytes.NewReader(data.Interventions))
}

// All returns every record in original order.  The slice and the years
// inside it are copies.
func (s *Store) All() []Record {
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		r.Years = append([]int(nil), r.Years...)
		out[i] = r
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// Lookup resolves a record id, as sent by a marker click.
func (s *Store) Lookup(id string) (Record, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	r := s.records[i]
	r.Years = append([]int(nil), r.Years...)
	return r, true
}
