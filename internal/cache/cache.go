// Package cache implements the live synchronization cache for company
// profiles.
//
// # Overview
//
// A SyncCache subscribes to the companies collection of a remote.Store once
// an identity is verified, normalizes every collection push into ordered
// Records, and publishes a Snapshot that consumers read without locking.
//
//	identity.Transition ──► SyncCache ──► remote.Store.Subscribe
//	                           │  ▲             │ full collection push
//	                           │  └── pass ◄────┘ one ReadOnce per entity
//	                           ▼
//	                        Snapshot{Records, Loading, Error} ──► consumers
//
// # Concurrency
//
// All mutable state is owned by one event-loop goroutine. Identity
// transitions, refresh requests, collection pushes and finished passes are
// events on that loop, so state changes need no locks. Metadata reads fan
// out into goroutines and post their results back; each pass carries a
// generation number and a result whose generation is no longer current is
// dropped instead of published.
//
// Lifecycle
//
//	uninitialized ──subscribe──► subscribing ──subscribed──► live
//	      ▲                          │   │                    │  │
//	      └──released── teardown ◄───┘   └──deny──► denied ◄──┘  │
//	                        ▲                                    │
//	                        └───────────────teardown─────────────┘
//
// The subscription handle is acquired on the way into live and released
// on entry to teardown or denied, which are the only ways out.
package cache

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
	"github.com/compintel/profilesync/internal/remote"
)

// DeniedMessage is the snapshot error published on a permission failure.
const DeniedMessage = "access denied"

// DefaultOrder is the canonical display order of known companies.
var DefaultOrder = []string{
	"signzy",
	"idfy",
	"digitapai",
	"perfios",
	"bureau",
	"jocata",
	"jukshio",
	"videocx",
	"finbox",
	"Lentra",
	"m2p-fintech",
}

// State is a subscription lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSubscribing   State = "subscribing"
	StateLive          State = "live"
	StateTeardown      State = "teardown"
	StateDenied        State = "denied"
)

type trigger string

const (
	triggerSubscribe  trigger = "subscribe"
	triggerSubscribed trigger = "subscribed"
	triggerTeardown   trigger = "teardown"
	triggerReleased   trigger = "released"
	triggerDeny       trigger = "deny"
	triggerReset      trigger = "reset"
)

// Options configures a SyncCache.
type Options struct {
	// Collection is the collection path to subscribe to.
	// Default: remote.DefaultCollection
	Collection string

	// Order is the canonical order list. Default: DefaultOrder
	Order []string

	// MaxConcurrentReads bounds the metadata fan-out; 0 means unbounded.
	MaxConcurrentReads int

	// Logger for cache activity
	Logger *log.Logger

	// Metrics is optional.
	Metrics *metrics.Registry

	// Now returns the current time; used for display strings.
	Now func() time.Time

	// OnIdentityAbsent is called from the event loop when the identity
	// becomes absent, so the caller can route the user to sign in. It must
	// not block.
	OnIdentityAbsent func()

	// OnError is called from the event loop with every collection-level
	// failure. It must not block.
	OnError func(err error)
}

// SyncCache is the live synchronization cache. Create it with New and
// release it with Close.
type SyncCache struct {
	store   remote.Store
	opts    Options
	logger  *log.Logger
	metrics *metrics.Registry

	sm    *stateless.StateMachine
	state atomic.Value // State, mirrored for readers outside the loop

	current atomic.Pointer[Snapshot]

	watchersMu sync.Mutex
	watchers   map[chan *Snapshot]struct{}
	watchDone  bool

	events    chan any
	closing   chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the event loop.
	identity   identity.Transition
	sub        *handle
	subSeq     uint64
	generation uint64
	lastRaw    *remote.RawCollection
	passStart  time.Time
}

// handle is the held subscription.
type handle struct {
	id     uint64
	sub    remote.Subscription
	cancel context.CancelFunc
}

type identityEvent struct {
	t    identity.Transition
	done chan struct{}
}

type refreshEvent struct{}

type pushEvent struct {
	subID uint64
	coll  remote.RawCollection
}

type streamErrorEvent struct {
	subID uint64
	err   error
}

type passEvent struct{ res passResult }

// New creates a SyncCache over store and starts its event loop. The cache
// stays uninitialized, publishing an empty snapshot, until SetIdentity
// reports a verified identity.
func New(store remote.Store, opts Options) *SyncCache {
	if opts.Collection == "" {
		opts.Collection = remote.DefaultCollection
	}
	if opts.Order == nil {
		opts.Order = DefaultOrder
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &SyncCache{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		watchers: make(map[chan *Snapshot]struct{}),
		events:   make(chan any, 64),
		closing:  make(chan struct{}),
		exited:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.state.Store(StateUninitialized)
	c.current.Store(&Snapshot{Records: []Record{}, State: StateUninitialized, PublishedAt: opts.Now()})
	c.sm = c.newStateMachine()

	go c.run()
	return c
}

func (c *SyncCache) newStateMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateUninitialized)

	sm.Configure(StateUninitialized).
		Permit(triggerSubscribe, StateSubscribing)

	sm.Configure(StateSubscribing).
		Permit(triggerSubscribed, StateLive).
		Permit(triggerTeardown, StateTeardown).
		Permit(triggerDeny, StateDenied)

	sm.Configure(StateLive).
		Permit(triggerTeardown, StateTeardown).
		Permit(triggerDeny, StateDenied)

	sm.Configure(StateTeardown).
		OnEntry(c.releaseHandle).
		Permit(triggerReleased, StateUninitialized)

	sm.Configure(StateDenied).
		OnEntry(c.releaseHandle).
		Permit(triggerReset, StateUninitialized)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		c.state.Store(t.Destination.(State))
	})

	return sm
}

// SetIdentity feeds an identity transition into the cache and returns once
// the cache has acted on it. For a newly verified identity the current
// snapshot is then loading, or carries the subscribe error. It must not be
// called from Options callbacks.
func (c *SyncCache) SetIdentity(t identity.Transition) {
	done := make(chan struct{})
	if !c.post(identityEvent{t: t, done: done}) {
		return
	}
	select {
	case <-done:
	case <-c.exited:
	}
}

// Refresh forces one additional normalization pass over the last pushed
// collection without re-subscribing. After a transport failure it
// re-subscribes instead. It does nothing while denied.
func (c *SyncCache) Refresh() {
	c.post(refreshEvent{})
}

// Snapshot returns the current snapshot. The result must not be modified.
func (c *SyncCache) Snapshot() *Snapshot {
	return c.current.Load()
}

// State returns the current lifecycle state.
func (c *SyncCache) State() State {
	return c.state.Load().(State)
}

// Watch returns a channel that receives the current snapshot and then
// every published snapshot. A slow reader only ever sees the latest one.
// The channel is closed when ctx is done or the cache is closed.
func (c *SyncCache) Watch(ctx context.Context) <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)

	c.watchersMu.Lock()
	if c.watchDone {
		c.watchersMu.Unlock()
		close(ch)
		return ch
	}
	ch <- c.current.Load()
	c.watchers[ch] = struct{}{}
	c.watchersMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.exited:
		}
		c.watchersMu.Lock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
		c.watchersMu.Unlock()
	}()

	return ch
}

// Close tears down any subscription and stops the event loop. Published
// snapshots stay readable. Close is idempotent.
func (c *SyncCache) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	<-c.exited
}

// post delivers an event to the loop unless the cache is closing.
func (c *SyncCache) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}

func (c *SyncCache) run() {
	defer close(c.exited)

	for {
		select {
		case <-c.closing:
			c.shutdown()
			return

		case ev := <-c.events:
			switch e := ev.(type) {
			case identityEvent:
				c.handleIdentity(e.t)
				close(e.done)
			case refreshEvent:
				c.handleRefresh()
			case pushEvent:
				c.handlePush(e)
			case streamErrorEvent:
				c.handleStreamError(e)
			case passEvent:
				c.handlePass(e.res)
			}
		}
	}
}

func (c *SyncCache) handleIdentity(t identity.Transition) {
	switch {
	case t.IsAbsent():
		c.logger.Printf("Identity absent, clearing")
		c.dropIdentity()
		c.identity = t
		if c.opts.OnIdentityAbsent != nil {
			c.opts.OnIdentityAbsent()
		}

	case !t.Verified:
		c.logger.Printf("Identity %s not verified, clearing", t.Identity)
		c.dropIdentity()
		c.identity = t

	case t == c.identity:
		// Already confirmed. Only a cache that lost its stream to a
		// transport failure subscribes again.
		if c.State() == StateUninitialized {
			c.subscribe()
		}

	default:
		if !c.identity.IsAbsent() {
			c.logger.Printf("Identity changed from %s to %s", c.identity.Identity, t.Identity)
		}
		c.dropIdentity()
		c.identity = t
		c.subscribe()
	}
}

func (c *SyncCache) handleRefresh() {
	switch c.State() {
	case StateLive:
		if c.lastRaw == nil {
			return
		}
		c.logger.Printf("Refresh requested")
		c.startPass(*c.lastRaw)

	case StateUninitialized:
		if c.identity.Verified {
			c.logger.Printf("Refresh requested, re-subscribing")
			c.subscribe()
		}
	}
}

func (c *SyncCache) handlePush(e pushEvent) {
	if c.sub == nil || e.subID != c.sub.id || c.State() != StateLive {
		return
	}
	coll := e.coll
	c.lastRaw = &coll
	c.startPass(coll)
}

func (c *SyncCache) handleStreamError(e streamErrorEvent) {
	if c.sub == nil || e.subID != c.sub.id {
		return
	}
	err := e.err
	if errors.Is(err, remote.ErrStopped) {
		err = &remote.Error{Op: "subscribe", Path: c.opts.Collection, Kind: remote.KindTransport, Err: errors.New("stream ended")}
	}
	c.fail(err)
}

func (c *SyncCache) handlePass(res passResult) {
	if res.generation != c.generation || c.State() != StateLive {
		c.logger.Printf("Discarding stale pass %d (current %d)", res.generation, c.generation)
		c.metrics.PassDiscarded()
		return
	}

	now := c.opts.Now()
	for i := range res.records {
		res.records[i].LastUpdatedDisplay = FormatLastUpdated(res.records[i].LastUpdatedRaw, now)
	}

	if res.failures != nil {
		c.logger.Printf("Pass %d: %d enrichment failures: %v", res.generation, len(res.failures.Errors), res.failures)
		c.metrics.EnrichmentFailed(len(res.failures.Errors))
	}

	c.publish(Snapshot{Records: res.records})
	c.metrics.PassPublished(len(res.records), res.elapsed)
	c.logger.Printf("Published %d records (pass %d, %v)", len(res.records), res.generation, res.elapsed.Round(time.Millisecond))
}

// subscribe moves uninitialized → subscribing → live, acquiring the
// subscription handle. Records already on display stay visible while
// loading.
func (c *SyncCache) subscribe() {
	if err := c.fire(triggerSubscribe); err != nil {
		return
	}

	prev := c.current.Load()
	c.publish(Snapshot{Records: prev.Records, Loading: true})

	ctx, cancel := context.WithCancel(c.ctx)
	sub, err := c.store.Subscribe(ctx, c.opts.Collection)
	if err != nil {
		cancel()
		c.fail(err)
		return
	}

	c.subSeq++
	c.sub = &handle{id: c.subSeq, sub: sub, cancel: cancel}
	c.metrics.Subscribed()
	go c.readLoop(c.sub.id, sub)

	if err := c.fire(triggerSubscribed); err != nil {
		return
	}
	c.logger.Printf("Subscribed to %s for %s", c.opts.Collection, c.identity.Identity)
}

// readLoop forwards pushes from one subscription to the event loop.
func (c *SyncCache) readLoop(id uint64, sub remote.Subscription) {
	for {
		coll, err := sub.Next()
		if err != nil {
			c.post(streamErrorEvent{subID: id, err: err})
			return
		}
		if !c.post(pushEvent{subID: id, coll: coll}) {
			return
		}
	}
}

// startPass begins a normalization pass over coll with a new generation.
// Older in-flight passes keep running; their results are dropped.
func (c *SyncCache) startPass(coll remote.RawCollection) {
	c.generation++
	gen := c.generation

	prev := c.current.Load()
	c.publish(Snapshot{Records: prev.Records, Loading: true})

	slots := plan(c.opts.Order, coll)
	store := c.store
	collection := c.opts.Collection
	limit := c.opts.MaxConcurrentReads
	ctx := c.ctx
	start := time.Now()

	go func() {
		records, failures := runPass(ctx, store, collection, coll, slots, limit)
		c.post(passEvent{res: passResult{
			generation: gen,
			records:    records,
			failures:   failures,
			elapsed:    time.Since(start),
		}})
	}()
}

// fail handles a collection-level failure from subscribe or the stream.
func (c *SyncCache) fail(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}

	// In-flight passes belong to the failed stream.
	c.generation++
	c.lastRaw = nil

	if remote.IsPermissionDenied(err) {
		c.logger.Printf("Permission denied: %v", err)
		_ = c.fire(triggerDeny)
		c.publish(Snapshot{Error: DeniedMessage})
		return
	}

	c.logger.Printf("Transport error, keeping %d records: %v", c.current.Load().Len(), err)
	c.teardown()
	prev := c.current.Load()
	c.publish(Snapshot{Records: prev.Records, Error: err.Error()})
}

// dropIdentity releases everything held for the current identity and
// forgets its records, so nothing from it renders under the next one.
func (c *SyncCache) dropIdentity() {
	switch c.State() {
	case StateSubscribing, StateLive:
		c.teardown()
	case StateDenied:
		_ = c.fire(triggerReset)
	}
	c.generation++
	c.lastRaw = nil
	c.publish(Snapshot{})
}

func (c *SyncCache) teardown() {
	if err := c.fire(triggerTeardown); err != nil {
		return
	}
	_ = c.fire(triggerReleased)
}

// releaseHandle is the entry action of teardown and denied.
func (c *SyncCache) releaseHandle(_ context.Context, _ ...any) error {
	if c.sub == nil {
		return nil
	}
	c.sub.sub.Stop()
	c.sub.cancel()
	c.sub = nil
	c.metrics.Unsubscribed()
	c.logger.Printf("Subscription released")
	return nil
}

func (c *SyncCache) fire(t trigger) error {
	if err := c.sm.Fire(t); err != nil {
		c.logger.Printf("Invalid transition %s from %s: %v", t, c.State(), err)
		return err
	}
	return nil
}

// publish replaces the current snapshot and notifies watchers.
func (c *SyncCache) publish(s Snapshot) {
	if s.Records == nil {
		s.Records = []Record{}
	}
	s.State = c.State()
	s.Generation = c.generation
	s.PublishedAt = c.opts.Now()

	snap := &s
	c.current.Store(snap)

	c.watchersMu.Lock()
	for ch := range c.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	c.watchersMu.Unlock()
}

func (c *SyncCache) shutdown() {
	switch c.State() {
	case StateSubscribing, StateLive:
		c.teardown()
	case StateDenied:
		_ = c.fire(triggerReset)
	}
	c.cancel()

	c.watchersMu.Lock()
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
	c.watchDone = true
	c.watchersMu.Unlock()

	c.logger.Printf("Cache closed")
}
