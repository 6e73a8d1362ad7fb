package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseCacheExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewResponseCache(time.Minute, clock)
	defer cache.Close()

	ctx := context.Background()
	calls := 0
	loader := func(context.Context) ([]byte, error) {
		calls++
		return []byte("payload"), nil
	}

	data, hit, err := cache.Get(ctx, "1973", loader)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "payload", string(data))

	data[0] = 'X'
	data, hit, err = cache.Get(ctx, "1973", loader)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "payload", string(data), "callers get a copy")
	assert.Equal(t, 1, calls)

	clock.Advance(time.Minute)
	_, hit, err = cache.Get(ctx, "1973", loader)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestResponseCacheDoesNotKeepErrors(t *testing.T) {
	cache := NewResponseCache(time.Minute, clockwork.NewFakeClock())
	defer cache.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	_, _, err := cache.Get(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	data, hit, err := cache.Get(ctx, "k", func(context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(data))
}

func TestResponseCacheDisabledAndClosed(t *testing.T) {
	assert.Nil(t, NewResponseCache(0, nil))

	var disabled *ResponseCache
	_, _, err := disabled.Get(context.Background(), "k", nil)
	assert.ErrorIs(t, err, errCacheDisabled)

	cache := NewResponseCache(time.Minute, nil)
	cache.Close()
	cache.Close()
	_, _, err = cache.Get(context.Background(), "k", nil)
	assert.ErrorIs(t, err, errCacheStopped)
}

func TestResponseCacheSweepsExpiredKeys(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewResponseCache(time.Minute, clock)
	defer cache.Close()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, _, err := cache.Get(ctx, fmt.Sprintf("year-%d", i), func(context.Context) ([]byte, error) {
			return []byte("x"), nil
		})
		require.NoError(t, err)
	}
	n, err := cache.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		n, err := cache.Len(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond, "expired keys are dropped without being requested again")
}
