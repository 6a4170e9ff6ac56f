// Package storetest holds the behavioural suite every idempotency.Store backend must pass.
// Backend packages call Run from their own tests with a factory for a fresh store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
)

// Harness is one backend under test. Advance must move the backend's notion of time
// forward by at least d: a fake clock, miniredis.FastForward, or a real sleep.
type Harness struct {
	Store   idempotency.Store
	Advance func(d time.Duration)
}

// Run executes the suite. newHarness is called once per subtest.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Helper()

	t.Run("LookupMissing", func(t *testing.T) {
		h := newHarness(t)
		_, found, err := h.Store.Lookup(context.Background(), freshKey())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("ReserveCreatesPlaceholder", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Minute))

		entry, found, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, idempotency.EntryReserved, entry.State)
		assert.False(t, entry.Completed())
	})

	t.Run("SecondReserveFails", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Minute))
		err := h.Store.Reserve(ctx, key, time.Minute)
		assert.ErrorIs(t, err, idempotency.ErrAlreadyReserved)
	})

	t.Run("ReserveFailsOnCompletedKey", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Minute))
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{StatusCode: 200, Body: "ok"}, time.Minute))
		err := h.Store.Reserve(ctx, key, time.Minute)
		assert.ErrorIs(t, err, idempotency.ErrAlreadyReserved)
	})

	t.Run("ReplayFidelity", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		want := idempotency.CachedResponse{
			StatusCode: 201,
			Body:       `{"id":"x"}`,
			Headers:    map[string]string{"Location": "/x"},
		}

		require.NoError(t, h.Store.Reserve(ctx, "abc", time.Minute))
		require.NoError(t, h.Store.Complete(ctx, "abc", want, time.Minute))

		entry, found, err := h.Store.Lookup(ctx, "abc")
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, entry.Completed())
		assert.Equal(t, want, entry.Response)
	})

	t.Run("CompleteIsLastWriterWins", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Minute))
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{StatusCode: 200, Body: "first"}, time.Minute))
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{StatusCode: 202, Body: "second"}, time.Minute))

		entry, found, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 202, entry.Response.StatusCode)
		assert.Equal(t, "second", entry.Response.Body)
		assert.Empty(t, entry.Response.Headers)
	})

	t.Run("LookupReturnsCopies", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Minute))
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
		}, time.Minute))

		first, _, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		first.Response.Headers["Content-Type"] = "text/plain"

		second, _, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "application/json", second.Response.Headers["Content-Type"])
	})

	t.Run("ConcurrentReserveHasSingleWinner", func(t *testing.T) {
		h := newHarness(t)
		key := freshKey()
		const contenders = 32

		var (
			mu        sync.Mutex
			winners   int
			conflicts int
		)
		start := make(chan struct{})
		var g errgroup.Group
		for i := 0; i < contenders; i++ {
			g.Go(func() error {
				<-start
				err := h.Store.Reserve(context.Background(), key, time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, idempotency.ErrAlreadyReserved):
					conflicts++
				default:
					return err
				}
				return nil
			})
		}
		close(start)
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, winners)
		assert.Equal(t, contenders-1, conflicts)
	})

	t.Run("EntryExpiresAfterTTL", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Second))
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{StatusCode: 200}, time.Second))

		h.Advance(1100 * time.Millisecond)

		_, found, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
		assert.NoError(t, h.Store.Reserve(ctx, key, time.Second))
	})

	t.Run("CompleteRestartsTTL", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		key := freshKey()

		require.NoError(t, h.Store.Reserve(ctx, key, time.Second))
		h.Advance(600 * time.Millisecond)
		require.NoError(t, h.Store.Complete(ctx, key, idempotency.CachedResponse{StatusCode: 200}, time.Second))
		h.Advance(600 * time.Millisecond)

		entry, found, err := h.Store.Lookup(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, entry.Completed())
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		assert.Error(t, h.Store.Reserve(ctx, "  ", time.Minute))
		assert.Error(t, h.Store.Reserve(ctx, freshKey(), 0))
		assert.Error(t, h.Store.Reserve(ctx, freshKey(), 500*time.Microsecond))
		assert.Error(t, h.Store.Complete(ctx, freshKey(), idempotency.CachedResponse{StatusCode: 201}, 999*time.Microsecond))
		assert.Error(t, h.Store.Complete(ctx, freshKey(), idempotency.CachedResponse{StatusCode: 0}, time.Minute))
		_, _, err := h.Store.Lookup(ctx, "")
		assert.Error(t, err)
	})
}

func freshKey() string {
	return "storetest-" + uuid.NewString()
}

// FakeClock is a manually advanced clock for stores that accept an injected now func.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
