package selection

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsDispatch(t *testing.T) {
	s := NewSessions(SessionsOptions{})
	defer s.Close()
	ctx := context.Background()

	id, st, err := s.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.True(t, st.Year.IsAll())
	assert.Equal(t, DefaultZoom, st.Zoom)

	st, err = s.Dispatch(ctx, id, SelectRecord{Record: chile})
	require.NoError(t, err)
	assert.True(t, st.PanelOpen)

	st, err = s.Dispatch(ctx, id, SelectYear{Year: 1954})
	require.NoError(t, err)
	assert.Nil(t, st.Record)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestSessionsAreIndependent(t *testing.T) {
	s := NewSessions(SessionsOptions{})
	defer s.Close()
	ctx := context.Background()

	a, _, err := s.Create(ctx)
	require.NoError(t, err)
	b, _, err := s.Create(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = s.Dispatch(ctx, a, SelectYear{Year: 1973})
	require.NoError(t, err)

	got, err := s.Get(ctx, b)
	require.NoError(t, err)
	assert.True(t, got.Year.IsAll())
}

func TestSessionsUnknownID(t *testing.T) {
	s := NewSessions(SessionsOptions{})
	defer s.Close()

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Dispatch(context.Background(), "missing", ShowAll{})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionsClosed(t *testing.T) {
	s := NewSessions(SessionsOptions{})
	s.Close()
	s.Close()

	_, _, err := s.Create(context.Background())
	require.ErrorIs(t, err, ErrSessionsStopped)
}

func TestSessionsPruneIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var active atomic.Int64
	s := NewSessions(SessionsOptions{
		IdleTTL:  10 * time.Minute,
		Clock:    clock,
		OnChange: func(n int) { active.Store(int64(n)) },
	})
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, _, err := s.Create(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active.Load())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(11 * time.Minute)

	require.Eventually(t, func() bool {
		n, err := s.Len(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.EqualValues(t, 0, active.Load())
}
