package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/compintel/profilesync/internal/identity"
)

// Registry shares one SyncCache per verified identity between concurrent
// consumers, such as several dashboard tabs of the same user. The cache is
// created on first Acquire and closed once the last holder has released it
// and the linger period has passed without a new Acquire.
type Registry struct {
	newCache func() *SyncCache
	linger   time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool
}

type registryEntry struct {
	cache *SyncCache
	refs  int
	idle  *time.Timer

	// ready is closed once the cache has taken its identity.
	ready chan struct{}

	// closing is set when the last holder is gone and Close has started.
	// The entry stays in the map until done is closed, so a new Acquire
	// waits for the old subscription to be released instead of opening a
	// second one.
	closing bool
	done    chan struct{}
}

// NewRegistry creates a registry. newCache builds an uninitialized cache;
// the registry feeds it the identity. With linger 0 a cache is closed as
// soon as its last holder releases it.
func NewRegistry(newCache func() *SyncCache, linger time.Duration) *Registry {
	return &Registry{
		newCache: newCache,
		linger:   linger,
		entries:  make(map[string]*registryEntry),
	}
}

// Acquire returns the cache for t and a release function. Release is
// idempotent. Only verified identities can hold a cache.
//
// When Acquire returns, the cache has acted on t: a cache created by this
// call publishes a loading snapshot (or its subscribe error), never the
// empty snapshot of an uninitialized cache.
func (r *Registry) Acquire(t identity.Transition) (*SyncCache, func(), error) {
	if t.IsAbsent() {
		return nil, nil, identity.ErrNoToken
	}
	if !t.Verified {
		return nil, nil, identity.ErrEmailNotVerified
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, fmt.Errorf("registry is closed")
		}

		e, ok := r.entries[t.Identity]
		if ok && e.closing {
			done := e.done
			r.mu.Unlock()
			<-done
			continue
		}

		created := false
		if !ok {
			e = &registryEntry{
				cache: r.newCache(),
				ready: make(chan struct{}),
				done:  make(chan struct{}),
			}
			r.entries[t.Identity] = e
			created = true
		}
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
		e.refs++
		r.mu.Unlock()

		if created {
			e.cache.SetIdentity(t)
			close(e.ready)
		} else {
			<-e.ready
		}

		var once sync.Once
		release := func() {
			once.Do(func() { r.release(t.Identity, e) })
		}
		return e.cache, release, nil
	}
}

func (r *Registry) release(id string, e *registryEntry) {
	r.mu.Lock()
	e.refs--
	if e.refs > 0 || e.closing || r.entries[id] != e {
		r.mu.Unlock()
		return
	}
	if r.linger > 0 {
		e.idle = time.AfterFunc(r.linger, func() { r.expire(id, e) })
		r.mu.Unlock()
		return
	}
	e.closing = true
	r.mu.Unlock()

	r.finish(id, e)
}

// expire closes an idle entry unless it was acquired again meanwhile.
func (r *Registry) expire(id string, e *registryEntry) {
	r.mu.Lock()
	if e.refs > 0 || e.closing || r.entries[id] != e {
		r.mu.Unlock()
		return
	}
	e.closing = true
	r.mu.Unlock()

	r.finish(id, e)
}

// finish closes a closing entry's cache, then removes the entry and wakes
// any Acquire waiting on it.
func (r *Registry) finish(id string, e *registryEntry) {
	e.cache.Close()

	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	close(e.done)
}

// Len returns the number of open caches, idle ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.closing {
			n++
		}
	}
	return n
}

// Close closes every cache regardless of holders. Later Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var closing []*registryEntry
	var ids []string
	for id, e := range r.entries {
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
		if e.closing {
			// Already being closed by release or expire.
			continue
		}
		e.closing = true
		closing = append(closing, e)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for i, e := range closing {
		r.finish(ids[i], e)
	}
}
