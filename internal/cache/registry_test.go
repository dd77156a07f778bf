package cache

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/remote"
)

func newTestRegistry(t *testing.T, store *fakeStore) (*Registry, *int) {
	return newLingeringRegistry(t, store, 0)
}

func newLingeringRegistry(t *testing.T, store *fakeStore, linger time.Duration) (*Registry, *int) {
	t.Helper()
	var (
		mu      sync.Mutex
		created int
	)
	r := NewRegistry(func() *SyncCache {
		mu.Lock()
		created++
		mu.Unlock()
		return New(store, Options{Logger: log.New(io.Discard, "", 0), Now: func() time.Time { return testNow }})
	}, linger)
	t.Cleanup(r.Close)
	return r, &created
}

func isClosed(c *SyncCache) bool {
	_, ok := <-c.Watch(context.Background())
	return !ok
}

func TestRegistry_SharesCachePerIdentity(t *testing.T) {
	store := newFakeStore()
	r, created := newTestRegistry(t, store)

	c1, release1, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)
	c2, release2, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, *created)
	assert.Equal(t, 1, r.Len())

	store.waitForSub(t, 1)
	assert.Equal(t, 1, store.subscribeCount())

	release1()
	release1()
	assert.Equal(t, 1, r.Len())
	assert.False(t, isClosed(c1))

	release2()
	assert.Equal(t, 0, r.Len())
	assert.True(t, isClosed(c1))

	c3, release3, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)
	defer release3()
	assert.NotSame(t, c1, c3)
	assert.Equal(t, 2, *created)
}

func TestRegistry_SeparateIdentities(t *testing.T) {
	store := newFakeStore()
	r, _ := newTestRegistry(t, store)

	a, releaseA, err := r.Acquire(verified("a@example.com"))
	require.NoError(t, err)
	defer releaseA()
	b, releaseB, err := r.Acquire(verified("b@example.com"))
	require.NoError(t, err)
	defer releaseB()

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_RejectsUnverified(t *testing.T) {
	r, created := newTestRegistry(t, newFakeStore())

	_, _, err := r.Acquire(identity.Absent)
	assert.ErrorIs(t, err, identity.ErrNoToken)

	_, _, err = r.Acquire(identity.Transition{Identity: "u@example.com"})
	assert.ErrorIs(t, err, identity.ErrEmailNotVerified)

	assert.Equal(t, 0, *created)
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeStore())

	c, release, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)

	r.Close()
	assert.True(t, isClosed(c))
	assert.Equal(t, 0, r.Len())

	// Releasing after Close is harmless.
	release()

	_, _, err = r.Acquire(verified("u@example.com"))
	assert.Error(t, err)
}

func TestRegistry_Linger(t *testing.T) {
	store := newFakeStore()
	r, created := newLingeringRegistry(t, store, 50*time.Millisecond)

	c1, release, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)
	release()

	// Re-acquired within the linger period: same cache.
	c2, release, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, *created)
	release()

	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return isClosed(c1) }, 2*time.Second, 5*time.Millisecond)
}

// countingStore tracks how many subscriptions are open at once.
type countingStore struct {
	*fakeStore
	live    atomic.Int32
	maxLive atomic.Int32
}

type countedSub struct {
	remote.Subscription
	store *countingStore
	once  sync.Once
}

func (s *countedSub) Stop() {
	s.once.Do(func() { s.store.live.Add(-1) })
	s.Subscription.Stop()
}

func (f *countingStore) Subscribe(ctx context.Context, collection string) (remote.Subscription, error) {
	sub, err := f.fakeStore.Subscribe(ctx, collection)
	if err != nil {
		return nil, err
	}
	n := f.live.Add(1)
	for {
		m := f.maxLive.Load()
		if n <= m || f.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	return &countedSub{Subscription: sub, store: f}, nil
}

func TestRegistry_ReacquireDuringCloseKeepsOneSubscription(t *testing.T) {
	store := &countingStore{fakeStore: newFakeStore()}
	r := NewRegistry(func() *SyncCache {
		return New(store, Options{Logger: log.New(io.Discard, "", 0), Now: func() time.Time { return testNow }})
	}, 0)
	t.Cleanup(r.Close)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, release, err := r.Acquire(verified("u@example.com"))
				if !assert.NoError(t, err) {
					return
				}
				release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, store.maxLive.Load(), int32(1))
	assert.Equal(t, int32(0), store.live.Load())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_AcquireReturnsLoadingSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeStore())

	c, release, err := r.Acquire(verified("u@example.com"))
	require.NoError(t, err)
	defer release()

	snap := c.Snapshot()
	assert.True(t, snap.Loading)
	assert.NotEqual(t, StateUninitialized, snap.State)
	assert.False(t, snap.Settled())
	assert.Equal(t, StateLive, c.State())
}
