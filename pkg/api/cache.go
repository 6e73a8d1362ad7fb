package api

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
	errNoLoader      = errors.New("no loader")
)

type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	hit  bool
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache memoises encoded JSON for stateless filter requests.  A
// single goroutine owns the map, so lookups and fills need no locks.
type ResponseCache struct {
	ttl      time.Duration
	requests chan cacheRequest
	sizes    chan chan int
	quit     chan struct{}
	clock    clockwork.Clock
}

// NewResponseCache starts the owner goroutine.  A non-positive ttl
// returns nil, which every method treats as a disabled cache.
func NewResponseCache(ttl time.Duration, clock clockwork.Clock) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache := &ResponseCache{
		ttl:      ttl,
		requests: make(chan cacheRequest),
		sizes:    make(chan chan int),
		quit:     make(chan struct{}),
		clock:    clock,
	}
	go cache.loop()
	return cache
}

// Close stops the owner goroutine.  Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns the bytes stored under key, calling loader on a miss or
// after expiry.  hit reports whether loader was skipped.  The returned
// slice is a copy.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) (data []byte, hit bool, err error) {
	if c == nil {
		return nil, false, errCacheDisabled
	}
	req := cacheRequest{
		ctx:    ctx,
		key:    key,
		loader: loader,
		reply:  make(chan cacheResponse, 1),
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-c.quit:
		return nil, false, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-c.quit:
		return nil, false, errCacheStopped
	case resp := <-req.reply:
		if resp.err != nil || resp.data == nil {
			return nil, resp.hit, resp.err
		}
		return append([]byte(nil), resp.data...), resp.hit, nil
	}
}

// Len returns the number of stored entries, expired ones included until
// the next sweep.
func (c *ResponseCache) Len(ctx context.Context) (int, error) {
	if c == nil {
		return 0, errCacheDisabled
	}
	reply := make(chan int, 1)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.quit:
		return 0, errCacheStopped
	case c.sizes <- reply:
	}
	return <-reply, nil
}

// loop owns the entries.  A ticker at the TTL sweeps expired ones, so
// keys that are never asked for again do not stay in memory.
func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	sweep := c.clock.NewTicker(c.ttl)
	defer sweep.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-sweep.Chan():
			now := c.clock.Now()
			for key, entry := range store {
				if !now.Before(entry.expires) {
					delete(store, key)
				}
			}
		case reply := <-c.sizes:
			reply <- len(store)
		case req := <-c.requests:
			now := c.clock.Now()
			if entry, ok := store[req.key]; ok {
				if now.Before(entry.expires) {
					req.reply <- cacheResponse{data: entry.data, hit: true}
					continue
				}
				delete(store, req.key)
			}
			if req.loader == nil {
				req.reply <- cacheResponse{err: errNoLoader}
				continue
			}
			data, err := req.loader(req.ctx)
			if err == nil && data != nil {
				store[req.key] = cacheEntry{data: append([]byte(nil), data...), expires: now.Add(c.ttl)}
			}
			req.reply <- cacheResponse{data: data, err: err}
		}
	}
}
