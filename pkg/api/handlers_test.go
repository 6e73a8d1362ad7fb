package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos-map/pkg/derived"
	"chronos-map/pkg/interventions"
	"chronos-map/pkg/metrics"
	"chronos-map/pkg/selection"
	"chronos-map/pkg/view"
)

type testServer struct {
	mux     *http.ServeMux
	metrics *metrics.Metrics
	cache   *ResponseCache
	limiter *RateLimiter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := interventions.LoadEmbedded()
	require.NoError(t, err)

	sessions := selection.NewSessions(selection.SessionsOptions{})
	t.Cleanup(sessions.Close)

	cache := NewResponseCache(time.Minute, clockwork.NewFakeClock())
	t.Cleanup(cache.Close)

	limiter := NewRateLimiter(0, clockwork.NewFakeClock())

	m := metrics.New(prometheus.NewRegistry())
	h := &Handler{
		Store:    store,
		Sessions: sessions,
		View:     view.DefaultOptions(),
		Cache:    cache,
		Limiter:  limiter,
		Metrics:  m,
		Logf:     t.Logf,
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return &testServer{mux: mux, metrics: m, cache: cache, limiter: limiter}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestOverviewAndYears(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api", "")
	require.Equal(t, http.StatusOK, rec.Code)
	overview := decode[struct {
		Records   int            `json:"records"`
		Years     int            `json:"years"`
		Endpoints map[string]any `json:"endpoints"`
	}](t, rec)
	assert.Equal(t, 57, overview.Records)
	assert.Equal(t, 99, overview.Years)
	assert.Contains(t, overview.Endpoints, "actions")

	rec = s.do(t, http.MethodGet, "/api/years", "")
	require.Equal(t, http.StatusOK, rec.Code)
	years := decode[struct {
		Years []int `json:"years"`
	}](t, rec).Years
	require.Len(t, years, 99)
	assert.Equal(t, 1846, years[0])
	assert.Equal(t, 2025, years[len(years)-1])

	rec = s.do(t, http.MethodPost, "/api/years", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method not allowed", decode[map[string]string](t, rec)["error"])
}

func TestInterventionsFilterIsMemoised(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/interventions?year=1973", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[interventionsResponse](t, rec)
	assert.Equal(t, derived.OnlyYear(1973), resp.Year)
	assert.Len(t, resp.Records, 8)
	assert.Equal(t, derived.Counts{Operations: 5, Coups: 3}, resp.Counts)

	again := s.do(t, http.MethodGet, "/api/interventions?year=1973", "")
	assert.Equal(t, rec.Body.String(), again.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.APICache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.APICache.WithLabelValues("hit")))

	rec = s.do(t, http.MethodGet, "/api/interventions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[interventionsResponse](t, rec)
	assert.True(t, all.Year.IsAll())
	assert.Len(t, all.Records, 57)
	assert.Equal(t, derived.Counts{Operations: 212, Coups: 68}, all.Counts)

	rec = s.do(t, http.MethodGet, "/api/interventions?year=seventy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[sessionResponse](t, rec)
	require.NotEmpty(t, created.ID)
	snap := created.Snapshot
	assert.True(t, snap.SelectedYear.IsAll())
	assert.Len(t, snap.Markers, 57)
	assert.Equal(t, 98, snap.Slider.Last)
	assert.Equal(t, derived.Counts{Operations: 212, Coups: 68}, snap.Counts)
	assert.Equal(t, selection.DefaultZoom, snap.Zoom)

	actions := "/api/sessions/" + created.ID + "/actions"
	act := func(body string) view.Snapshot {
		t.Helper()
		rec := s.do(t, http.MethodPost, actions, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[sessionResponse](t, rec).Snapshot
	}

	snap = act(`{"type":"selectYearIndex","index":-4}`)
	assert.Equal(t, derived.OnlyYear(1846), snap.SelectedYear)
	assert.Equal(t, 0, snap.Slider.Index)

	snap = act(`{"type":"selectYearIndex","index":9999}`)
	assert.Equal(t, derived.OnlyYear(2025), snap.SelectedYear)
	assert.Equal(t, 98, snap.Slider.Index)

	snap = act(`{"type":"selectYear","year":1973}`)
	assert.Len(t, snap.Markers, 8)
	assert.Equal(t, derived.Counts{Operations: 5, Coups: 3}, snap.Counts)

	snap = act(`{"type":"selectRecord","id":"cl-1973"}`)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, "Chile", snap.Selected.Country)
	assert.True(t, snap.PanelOpen)
	require.NotNil(t, snap.FlyTo)
	assert.Equal(t, float64(view.FlyToZoom), snap.FlyTo.Zoom)
	assert.Equal(t, derived.OnlyYear(1973), snap.SelectedYear, "selecting a record keeps the year")

	snap = act(`{"type":"closePanel"}`)
	assert.False(t, snap.PanelOpen)
	require.NotNil(t, snap.Selected)

	snap = act(`{"type":"zoom","level":5}`)
	assert.Equal(t, 5.0, snap.Zoom)

	snap = act(`{"type":"showAll"}`)
	assert.True(t, snap.SelectedYear.IsAll())
	assert.Nil(t, snap.Selected)
	assert.Len(t, snap.Markers, 57)

	rec = s.do(t, http.MethodGet, "/api/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[sessionResponse](t, rec).Snapshot
	assert.True(t, got.SelectedYear.IsAll())
	assert.Equal(t, 5.0, got.Zoom)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.Actions.WithLabelValues("selectYearIndex")))
}

func TestActionErrors(t *testing.T) {
	s := newTestServer(t)
	created := decode[sessionResponse](t, s.do(t, http.MethodPost, "/api/sessions", ""))
	actions := "/api/sessions/" + created.ID + "/actions"

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound},
		{"unknown session action", http.MethodPost, "/api/sessions/nope/actions", `{"type":"showAll"}`, http.StatusNotFound},
		{"bad path", http.MethodGet, "/api/sessions/" + created.ID + "/other", "", http.StatusNotFound},
		{"malformed", http.MethodPost, actions, `{"type":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, actions, `{"type":"showAll","extra":1}`, http.StatusBadRequest},
		{"unknown type", http.MethodPost, actions, `{"type":"invade"}`, http.StatusBadRequest},
		{"unknown record", http.MethodPost, actions, `{"type":"selectRecord","id":"xx-0"}`, http.StatusBadRequest},
		{"year off timeline", http.MethodPost, actions, `{"type":"selectYear","year":1700}`, http.StatusBadRequest},
		{"missing index", http.MethodPost, actions, `{"type":"selectYearIndex"}`, http.StatusBadRequest},
		{"zero zoom", http.MethodPost, actions, `{"type":"zoom","level":0}`, http.StatusBadRequest},
		{"get actions", http.MethodGet, actions, "", http.StatusMethodNotAllowed},
		{"get create", http.MethodGet, "/api/sessions", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	direct := &Handler{}
	assert.Equal(t, "198.51.100.7", direct.clientIP(r), "the header is ignored by default")

	proxied := &Handler{TrustProxy: true}
	assert.Equal(t, "203.0.113.9", proxied.clientIP(r))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.7", proxied.clientIP(r))
}

func TestOffTimelineYearsAreNotMemoised(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for _, y := range []string{"1700", "1701", "3000"} {
		rec := s.do(t, http.MethodGet, "/api/interventions?year="+y, "")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[interventionsResponse](t, rec)
		assert.Empty(t, resp.Records)
		assert.Equal(t, derived.Counts{}, resp.Counts)
	}
	n, err := s.cache.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, testutil.ToFloat64(s.metrics.APICache.WithLabelValues("miss")))

	s.do(t, http.MethodGet, "/api/interventions?year=1973", "")
	n, err = s.cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFullQueueAnswers429(t *testing.T) {
	s := newTestServer(t)
	created := decode[sessionResponse](t, s.do(t, http.MethodPost, "/api/sessions", ""))

	// httptest requests come from 192.0.2.1.
	release := fillQueue(t, s.limiter, "192.0.2.1")
	defer release()

	rec := s.do(t, http.MethodPost, "/api/sessions", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrTooManyRequests.Error(), decode[map[string]string](t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/actions", `{"type":"showAll"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCancelledRequestIsNot429(t *testing.T) {
	s := newTestServer(t)
	// One busy permit keeps the queue open but unanswered.
	held, err := s.limiter.Acquire(context.Background(), "192.0.2.1", RequestAction)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRespondJSONIndents(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.respondJSON(rec, http.StatusAccepted, map[string]int{"a": 1})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("{\n  ")))
}
