// Package offline keeps the map usable without connectivity.  A Worker
// owns one named cache of upstream assets (the Leaflet files) and
// answers requests cache-first, falling back to the network.  The same
// cache name and asset list drive the browser worker script.
//
// Lifecycle, mirroring a browser service worker:
//
//	install  -> pre-populate the named cache with the fixed asset list,
//	            then activate immediately
//	activate -> delete every other cache, then claim requests
//	fetch    -> cache first, network second; nothing is stored, so the
//	            cache never outgrows the asset list
//
// There is no retry and no backoff: when one source fails the other is
// tried once.
package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"chronos-map/pkg/metrics"
)

// ErrNotInstalled is returned by Activate before a successful Install.
var ErrNotInstalled = errors.New("offline worker not installed")

// Source says where a Fetch answer came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Worker is the server-side offline cache.
type Worker struct {
	name    string
	assets  []string
	store   Store
	network Network
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logf    func(string, ...any)

	installed atomic.Bool
	active    atomic.Bool
}

// Options configures a Worker.
type Options struct {
	// Name is the current cache name; any other cache is stale.
	Name string
	// Assets are absolute URLs fetched during Install.
	Assets  []string
	Store   Store
	Network Network
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logf    func(string, ...any)
}

// NewWorker builds an idle worker; call Start or Install+Activate.
func NewWorker(opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	return &Worker{
		name:    opts.Name,
		assets:  append([]string(nil), opts.Assets...),
		store:   opts.Store,
		network: opts.Network,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logf:    opts.Logf,
	}
}

// Name returns the current cache name.
func (w *Worker) Name() string { return w.name }

// Active reports whether the worker has claimed requests.
func (w *Worker) Active() bool { return w.active.Load() }

// Start installs and, on success, activates straight away.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Install opens the named cache and fills it with every asset.  All
// assets are fetched before anything is written, so a failed install
// leaves the cache as it was.  An asset the network cannot deliver but
// the cache already holds from an earlier run counts as installed.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.store.Open(ctx, w.name); err != nil {
		return fmt.Errorf("open cache %s: %w", w.name, err)
	}

	fetched := make([]Entry, 0, len(w.assets))
	for _, url := range w.assets {
		e, err := w.network.Fetch(ctx, url)
		if err == nil && e.Status != http.StatusOK {
			err = fmt.Errorf("status %d", e.Status)
		}
		if err != nil {
			if _, merr := w.store.Match(ctx, w.name, url); merr == nil {
				w.logf("install %s: %s unreachable (%v), keeping cached copy", w.name, url, err)
				continue
			}
			return fmt.Errorf("install %s: fetch %s: %w", w.name, url, err)
		}
		w.logf("install %s: fetched %s (%d bytes)", w.name, url, len(e.Body))
		fetched = append(fetched, e)
	}

	now := w.clock.Now()
	for _, e := range fetched {
		e.StoredAt = now
		if err := w.store.Put(ctx, w.name, e); err != nil {
			return fmt.Errorf("install %s: store %s: %w", w.name, e.URL, err)
		}
	}
	w.installed.Store(true)
	if w.metrics != nil {
		w.metrics.OfflineCached.Set(float64(len(w.assets)))
	}
	return nil
}

// Activate deletes every cache other than the current one and then
// claims requests.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.installed.Load() {
		return ErrNotInstalled
	}
	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.name {
			continue
		}
		if err := w.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.logf("activate %s: deleted stale cache %s", w.name, name)
	}
	w.active.Store(true)
	if w.metrics != nil {
		w.metrics.OfflineActive.Set(1)
	}
	return nil
}

// Fetch answers url cache-first, falling back to the network.  Only
// Install writes to the cache, so its size is bounded by the asset list.
// Before activation requests go straight to the network.
func (w *Worker) Fetch(ctx context.Context, url string) (Entry, Source, error) {
	if w.active.Load() {
		e, err := w.store.Match(ctx, w.name, url)
		if err == nil {
			w.count(SourceCache, nil)
			return e, SourceCache, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			w.logf("offline %s: cache lookup %s: %v", w.name, url, err)
		}
	}

	e, err := w.network.Fetch(ctx, url)
	w.count(SourceNetwork, err)
	if err != nil {
		return Entry{}, SourceNetwork, err
	}
	return e, SourceNetwork, nil
}

func (w *Worker) count(src Source, err error) {
	if w.metrics == nil {
		return
	}
	label := string(src)
	if err != nil {
		label = "error"
	}
	w.metrics.OfflineFetches.WithLabelValues(label).Inc()
}
