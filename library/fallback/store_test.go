package fallback

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms/library"
)

// fakeStore counts calls and fails with err while it is set.
type fakeStore struct {
	mu      sync.Mutex
	err     error
	updates int
	views   int
	closed  bool
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) Update(context.Context, func(library.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return f.err
}

func (f *fakeStore) View(context.Context, func(library.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views++
	return f.err
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

var errDown = fmt.Errorf("%w: connection refused", library.ErrStoreUnavailable)

func noop(library.Tx) error { return nil }

func TestViewFallsBackWhenPrimaryIsDown(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	s := New(primary, secondary)
	ctx := context.Background()

	require.NoError(t, s.View(ctx, noop))
	assert.Equal(t, 1, primary.views)
	assert.Zero(t, secondary.views)

	primary.fail(errDown)
	require.NoError(t, s.View(ctx, noop))
	assert.Equal(t, 2, primary.views)
	assert.Equal(t, 1, secondary.views)
}

func TestDomainErrorsDoNotFallBack(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	s := New(primary, secondary)

	primary.fail(library.ErrBookNotFound)
	require.ErrorIs(t, s.View(context.Background(), noop), library.ErrBookNotFound)
	assert.Zero(t, secondary.views)
}

func TestUpdateNeverFallsBack(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	s := New(primary, secondary)

	primary.fail(errDown)
	require.ErrorIs(t, s.Update(context.Background(), noop), library.ErrStoreUnavailable)
	assert.Equal(t, 1, primary.updates)
	assert.Zero(t, secondary.updates)
	assert.Zero(t, secondary.views)
}

func TestBreakerSkipsPrimaryUntilCooldown(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(primary, secondary,
		WithBreaker(2, time.Minute),
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	primary.fail(errDown)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.View(ctx, noop))
	}
	assert.Equal(t, 2, primary.views)

	require.NoError(t, s.View(ctx, noop))
	assert.Equal(t, 2, primary.views, "open breaker skips the primary")
	assert.Equal(t, 3, secondary.views)

	primary.fail(nil)
	now = now.Add(time.Minute)
	require.NoError(t, s.View(ctx, noop))
	assert.Equal(t, 3, primary.views, "primary is retried after the cooldown")

	require.NoError(t, s.View(ctx, noop))
	assert.Equal(t, 4, primary.views, "success releases the breaker")
}

func TestCancelledViewDoesNotFallBack(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	s := New(primary, secondary)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary.fail(fmt.Errorf("%w: %w", library.ErrStoreUnavailable, context.Canceled))
	require.Error(t, s.View(ctx, noop))
	assert.Zero(t, secondary.views)
}

func TestClose(t *testing.T) {
	primary, secondary := &fakeStore{}, &fakeStore{}
	require.NoError(t, New(primary, secondary).Close())
	assert.True(t, primary.closed)
	assert.True(t, secondary.closed)
}
