package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"chronos-map/pkg/derived"
	"chronos-map/pkg/interventions"
	"chronos-map/pkg/metrics"
	"chronos-map/pkg/selection"
	"chronos-map/pkg/view"
)

// maxActionBody bounds one action payload.
const maxActionBody = 4 << 10

// Handler serves the dataset and the per-viewer session API.
type Handler struct {
	Store    *interventions.Store
	Sessions *selection.Sessions
	View     view.Options
	Cache    *ResponseCache
	Limiter  *RateLimiter
	Metrics  *metrics.Metrics
	Logf     func(string, ...any)

	// TrustProxy reads the client address from X-Forwarded-For.  Enable
	// it only behind a reverse proxy that overwrites the header.
	TrustProxy bool
}

// Register attaches API routes to the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/years", h.handleYears)
	mux.HandleFunc("/api/interventions", h.handleInterventions)
	mux.HandleFunc("/api/sessions", h.handleCreateSession)
	mux.HandleFunc("/api/sessions/", h.handleSession)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	records := h.Store.All()
	overview := struct {
		Records   int            `json:"records"`
		Years     int            `json:"years"`
		Endpoints map[string]any `json:"endpoints"`
	}{
		Records: len(records),
		Years:   len(derived.DistinctYears(records)),
		Endpoints: map[string]any{
			"years": map[string]any{
				"method":      "GET",
				"path":        "/api/years",
				"description": "Distinct years on the timeline, ascending.",
			},
			"interventions": map[string]any{
				"method":      "GET",
				"path":        "/api/interventions",
				"query":       []string{"year"},
				"description": "Records active in the year plus header counts. Omit year for all history.",
			},
			"createSession": map[string]any{
				"method":      "POST",
				"path":        "/api/sessions",
				"description": "Opens a viewer session and returns its first snapshot.",
			},
			"session": map[string]any{
				"method": "GET",
				"path":   "/api/sessions/{id}",
			},
			"actions": map[string]any{
				"method":      "POST",
				"path":        "/api/sessions/{id}/actions",
				"types":       []string{"selectYearIndex", "selectYear", "showAll", "selectRecord", "closePanel", "zoom"},
				"description": "Applies one viewer action and returns the new snapshot.",
			},
		},
	}
	h.respondJSON(w, http.StatusOK, overview)
}

func (h *Handler) handleYears(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	h.respondJSON(w, http.StatusOK, struct {
		Years []int `json:"years"`
	}{derived.DistinctYears(h.Store.All())})
}

// interventionsResponse is the stateless filter view.
type interventionsResponse struct {
	Year    derived.YearFilter     `json:"year"`
	Records []interventions.Record `json:"records"`
	Counts  derived.Counts         `json:"counts"`
}

func (h *Handler) handleInterventions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	f, err := parseYear(r.URL.Query().Get("year"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := "all"
	if y, ok := f.Year(); ok {
		key = strconv.Itoa(y)
	}
	// Only timeline years are memoised; any other year is an empty view.
	cacheable := h.onTimeline(f)
	build := func() ([]byte, error) {
		visible := derived.FilterByYear(h.Store.All(), f)
		return json.Marshal(interventionsResponse{
			Year:    f,
			Records: visible,
			Counts:  derived.ComputeCounts(visible, f, h.View.Counters, h.View.Logf),
		})
	}

	var body []byte
	if h.Cache != nil && cacheable {
		var hit bool
		body, hit, err = h.Cache.Get(r.Context(), key, func(_ context.Context) ([]byte, error) { return build() })
		if h.Metrics != nil {
			result := "miss"
			if hit {
				result = "hit"
			}
			h.Metrics.APICache.WithLabelValues(result).Inc()
		}
	} else {
		body, err = build()
	}
	if err != nil {
		h.logf("interventions %s: %v", key, err)
		h.respondError(w, http.StatusInternalServerError, "interventions unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *Handler) onTimeline(f derived.YearFilter) bool {
	y, ok := f.Year()
	if !ok {
		return true
	}
	for _, v := range derived.DistinctYears(h.Store.All()) {
		if v == y {
			return true
		}
	}
	return false
}

// sessionResponse wraps a snapshot with the session id.
type sessionResponse struct {
	ID       string        `json:"id"`
	Snapshot view.Snapshot `json:"snapshot"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	permit, err := h.Limiter.Acquire(r.Context(), h.clientIP(r), RequestCreate)
	if err != nil {
		h.acquireError(w, r, err)
		return
	}
	defer permit.Release()

	id, st, err := h.Sessions.Create(r.Context())
	if err != nil {
		h.logf("create session: %v", err)
		h.respondError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	h.respondJSON(w, http.StatusCreated, sessionResponse{ID: id, Snapshot: view.Build(h.Store, st, h.View)})
}

// handleSession routes /api/sessions/{id} and /api/sessions/{id}/actions.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleGetSession(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "actions":
		h.handleAction(w, r, parts[0])
	default:
		h.respondError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	st, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		h.sessionError(w, id, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: view.Build(h.Store, st, h.View)})
}

// actionRequest is the wire form of one viewer action.  Only the fields
// its type needs are read.
type actionRequest struct {
	Type  string   `json:"type"`
	Index *int     `json:"index,omitempty"`
	Year  *int     `json:"year,omitempty"`
	ID    string   `json:"id,omitempty"`
	Level *float64 `json:"level,omitempty"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, id string) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req actionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxActionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed action: "+err.Error())
		return
	}
	action, err := h.toAction(req)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	permit, err := h.Limiter.Acquire(r.Context(), h.clientIP(r), RequestAction)
	if err != nil {
		h.acquireError(w, r, err)
		return
	}
	defer permit.Release()

	st, err := h.Sessions.Dispatch(r.Context(), id, action)
	if err != nil {
		h.sessionError(w, id, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.Actions.WithLabelValues(req.Type).Inc()
	}
	h.respondJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: view.Build(h.Store, st, h.View)})
}

// toAction validates req against the dataset.  Slider indexes clamp;
// explicit years and record ids must exist.
func (h *Handler) toAction(req actionRequest) (selection.Action, error) {
	switch req.Type {
	case "selectYearIndex":
		if req.Index == nil {
			return nil, errors.New("selectYearIndex needs index")
		}
		year, ok := selection.YearForIndex(derived.DistinctYears(h.Store.All()), *req.Index)
		if !ok {
			return nil, errors.New("timeline is empty")
		}
		return selection.SelectYear{Year: year}, nil
	case "selectYear":
		if req.Year == nil {
			return nil, errors.New("selectYear needs year")
		}
		if !h.onTimeline(derived.OnlyYear(*req.Year)) {
			return nil, fmt.Errorf("year %d is not on the timeline", *req.Year)
		}
		return selection.SelectYear{Year: *req.Year}, nil
	case "showAll":
		return selection.ShowAll{}, nil
	case "selectRecord":
		rec, ok := h.Store.Lookup(req.ID)
		if !ok {
			return nil, fmt.Errorf("unknown record %q", req.ID)
		}
		return selection.SelectRecord{Record: rec}, nil
	case "closePanel":
		return selection.ClosePanel{}, nil
	case "zoom":
		if req.Level == nil || *req.Level <= 0 {
			return nil, errors.New("zoom needs a positive level")
		}
		return selection.ZoomChanged{Level: *req.Level}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", req.Type)
	}
}

// acquireError answers 429 only for a full client queue, 503 otherwise.
func (h *Handler) acquireError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrTooManyRequests) {
		h.respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	h.logf("acquire %s %s: %v", h.clientIP(r), r.URL.Path, err)
	h.respondError(w, http.StatusServiceUnavailable, "request cancelled")
}

func (h *Handler) sessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, selection.ErrSessionNotFound) {
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.logf("session %s: %v", id, err)
	h.respondError(w, http.StatusServiceUnavailable, "sessions unavailable")
}

// =====================
// Utility helpers
// =====================

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, struct {
		Error string `json:"error"`
	}{msg})
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = io.WriteString(w, `{"error": "method not allowed"}`+"\n")
	return false
}

// parseYear reads the year query parameter; empty or "all" selects every
// year.
func parseYear(v string) (derived.YearFilter, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "all") {
		return derived.AllYears(), nil
	}
	y, err := strconv.Atoi(v)
	if err != nil {
		return derived.YearFilter{}, fmt.Errorf("year %q is not a number", v)
	}
	return derived.OnlyYear(y), nil
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.TrustProxy {
		if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
			if candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0]); candidate != "" {
				return candidate
			}
		}
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
