package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos-map/pkg/metrics"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork answers from a fixed table and can be switched off.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]string
	offline bool
	calls   int
}

func (n *fakeNetwork) Fetch(_ context.Context, url string) (Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.offline {
		return Entry{}, errOffline
	}
	body, ok := n.pages[url]
	if !ok {
		return Entry{URL: url, Status: http.StatusNotFound}, nil
	}
	return Entry{URL: url, Status: http.StatusOK, ContentType: "text/plain", Body: []byte(body)}, nil
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

const (
	leafletJS  = "https://unpkg.test/leaflet.js"
	leafletCSS = "https://unpkg.test/leaflet.css"
	tileURL    = "https://a.tiles.test/3/4/2.png"
)

func newTestWorker(t *testing.T, store Store, net Network) (*Worker, *metrics.Metrics, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	w := NewWorker(Options{
		Name:    "chronos-v2",
		Assets:  []string{leafletCSS, leafletJS},
		Store:   store,
		Network: net,
		Clock:   clock,
		Metrics: m,
		Logf:    t.Logf,
	})
	return w, m, clock
}

func newNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]string{
		leafletJS:  "L=1",
		leafletCSS: ".leaflet{}",
		tileURL:    "PNG",
	}}
}

func TestInstallActivateDropsStaleCaches(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "chronos-v1", Entry{URL: leafletJS, Status: 200, Body: []byte("old")}))

	w, m, clock := newTestWorker(t, store, newNetwork())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Active())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chronos-v2"}, names)

	n, err := store.Count(ctx, "chronos-v2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := store.Match(ctx, "chronos-v2", leafletJS)
	require.NoError(t, err)
	assert.Equal(t, "L=1", string(e.Body))
	assert.Equal(t, clock.Now(), e.StoredAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OfflineActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OfflineCached))
}

func TestActivateBeforeInstall(t *testing.T) {
	w, _, _ := newTestWorker(t, NewMemoryStore(), newNetwork())
	assert.ErrorIs(t, w.Activate(context.Background()), ErrNotInstalled)
	assert.False(t, w.Active())
}

func TestInstallFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	delete(net.pages, leafletJS)
	store := NewMemoryStore()

	w, _, _ := newTestWorker(t, store, net)
	require.Error(t, w.Start(ctx))
	assert.False(t, w.Active())

	n, err := store.Count(ctx, "chronos-v2")
	require.NoError(t, err)
	assert.Zero(t, n, "a partial install must not leave entries behind")
}

func TestInstallOfflineKeepsCachedCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	net := newNetwork()

	first, _, _ := newTestWorker(t, store, net)
	require.NoError(t, first.Start(ctx))

	net.setOffline(true)
	second, _, _ := newTestWorker(t, store, net)
	require.NoError(t, second.Start(ctx))
	assert.True(t, second.Active())

	e, src, err := second.Fetch(ctx, leafletCSS)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, ".leaflet{}", string(e.Body))
}

func TestFetchCacheFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	net := newNetwork()
	w, m, _ := newTestWorker(t, store, net)
	require.NoError(t, w.Start(ctx))

	_, src, err := w.Fetch(ctx, tileURL)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src, "tiles are not install assets")

	before := net.callCount()
	net.setOffline(true)
	e, src, err := w.Fetch(ctx, leafletJS)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, src)
	assert.Equal(t, "L=1", string(e.Body))
	assert.Equal(t, before, net.callCount(), "a cache hit never touches the network")

	_, _, err = w.Fetch(ctx, tileURL)
	assert.ErrorIs(t, err, errOffline, "network answers are not kept")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OfflineFetches.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OfflineFetches.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OfflineFetches.WithLabelValues("error")))
}

// anyTile answers every URL with a 200.
type anyTile struct{}

func (anyTile) Fetch(_ context.Context, url string) (Entry, error) {
	return Entry{URL: url, Status: http.StatusOK, ContentType: "image/png", Body: []byte("PNG")}, nil
}

func TestFetchDoesNotGrowCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWorker(Options{Name: "chronos-v2", Store: store, Network: anyTile{}, Logf: t.Logf})
	require.NoError(t, w.Start(ctx))

	for x := 0; x < 500; x++ {
		_, src, err := w.Fetch(ctx, fmt.Sprintf("https://a.tiles.test/20/%d/7.png", x))
		require.NoError(t, err)
		require.Equal(t, SourceNetwork, src)
	}
	n, err := store.Count(ctx, "chronos-v2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFetchDoesNotStoreFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w, _, _ := newTestWorker(t, store, newNetwork())
	require.NoError(t, w.Start(ctx))

	missing := "https://a.tiles.test/1/0/0.png"
	e, src, err := w.Fetch(ctx, missing)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)
	assert.Equal(t, http.StatusNotFound, e.Status)

	_, err = store.Match(ctx, "chronos-v2", missing)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestFetchBeforeActivationPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w, _, _ := newTestWorker(t, store, newNetwork())

	_, src, err := w.Fetch(ctx, tileURL)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, src)

	_, err = store.Match(ctx, "chronos-v2", tileURL)
	assert.ErrorIs(t, err, ErrCacheMiss)
}
