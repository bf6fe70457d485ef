package flowsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/flowboard/flowsync/connectivity"
	"github.com/flowboard/flowsync/credential"
	"github.com/flowboard/flowsync/events"
	"github.com/flowboard/flowsync/snapshot"
	"github.com/flowboard/flowsync/types"
)

/*
ResourceCache is the central map from resource key to CacheEntry.

It owns staleness, fetch deduplication, subscriber fan-out, and
invalidation. The single most important invariant lives here: at most one
in-flight fetch per key. Any number of concurrent callers asking for the
same key while a fetch is running share that one loader call and observe
the identical result.

The cache consults the connectivity monitor before touching the transport
(offline means serve the last snapshot as stale) and the credential manager
before and after (a suspended credential holds fetches; an auth failure
triggers one single-flighted renewal and one retry).
*/
type ResourceCache struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry

	// gens is the teardown guard. Every entry carries a generation; Reset
	// bumps them, and a fetch that resolves afterwards finds its captured
	// generation stale and applies nothing.
	gens    map[string]uint64
	nextGen uint64

	subs map[string]map[string]types.Listener

	sf singleflight.Group

	monitor *connectivity.Monitor
	creds   *credential.Manager
	store   *snapshot.Store // nil: persistence disabled
	bus     *events.Bus     // nil: notifications disabled
	metrics types.Metrics
	log     *slog.Logger

	short        time.Duration
	long         time.Duration
	fetchTimeout time.Duration

	// onLastUnsubscribe fires when a key's subscriber count drops to zero.
	// The engine points this at the scheduler so polling stops with the
	// last listener.
	onLastUnsubscribe func(key string)
}

// NewResourceCache builds a cache. store and bus may be nil; metrics and
// log default when nil.
func NewResourceCache(
	monitor *connectivity.Monitor,
	creds *credential.Manager,
	store *snapshot.Store,
	bus *events.Bus,
	metrics types.Metrics,
	log *slog.Logger,
	short, long, fetchTimeout time.Duration,
) *ResourceCache {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResourceCache{
		entries:           make(map[string]*types.CacheEntry),
		gens:              make(map[string]uint64),
		subs:              make(map[string]map[string]types.Listener),
		monitor:           monitor,
		creds:             creds,
		store:             store,
		bus:               bus,
		metrics:           metrics,
		log:               log,
		short:             short,
		long:              long,
		fetchTimeout:      fetchTimeout,
		onLastUnsubscribe: func(string) {},
	}
}

// SetOnLastUnsubscribe wires the stop-polling callback. Must be called
// before the cache is shared across goroutines.
func (c *ResourceCache) SetOnLastUnsubscribe(fn func(key string)) {
	if fn != nil {
		c.onLastUnsubscribe = fn
	}
}

/*
Get returns the current entry for key, synchronously and without fetching.

An unseen key yields an Idle entry with nil data. A Fresh entry whose
StaleAt has passed is reported as Stale; staleness is a property of now,
not of the last write.
*/
func (c *ResourceCache) Get(key string) types.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return types.CacheEntry{Key: key, Status: types.StatusIdle}
	}
	out := *ent
	if out.Status == types.StatusFresh && !out.IsFresh(time.Now()) {
		out.Status = types.StatusStale
	}
	return out
}

/*
Fetch returns the data for key, loading it if necessary.

The decision ladder, in order:

 1. Entry fresh right now: serve it, no loader call.
 2. Offline: serve the last-known data (memory, then persisted snapshot)
    with Stale status; error only if there is nothing at all to show.
 3. Credential suspended: same stale fallback; polling stays parked until
    a new credential is set.
 4. Otherwise load through singleflight. An auth-class failure triggers
    one credential renewal and one retry of the loader.

Fetch never returns an error while it still has displayable data: a failed
refetch records LastError on the entry, keeps the previous data, and
resolves with it. Callers that care about the failure inspect the entry.
*/
func (c *ResourceCache) Fetch(ctx context.Context, key string, loader types.Loader, classifier types.Classifier) (any, error) {
	data, _, err := c.fetch(ctx, key, loader, classifier)
	return data, err
}

// fetch is Fetch plus the failure the served data papers over: cause is
// non-nil whenever the returned data is stale because the load (or the
// offline/suspended gate) failed underneath it. The polling path needs the
// cause to back off; UI callers do not.
func (c *ResourceCache) fetch(ctx context.Context, key string, loader types.Loader, classifier types.Classifier) (any, *types.FetchError, error) {
	now := time.Now()

	c.mu.Lock()
	ent := c.entryLocked(key)
	if ent.IsFresh(now) {
		data := ent.Data
		c.mu.Unlock()
		c.metrics.Hit()
		return data, nil, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()

	if !c.monitor.IsOnline() {
		cause := types.NetworkError(errOffline)
		data, err := c.serveStale(key, cause)
		return data, cause, err
	}
	if c.creds != nil && c.creds.Suspended() {
		cause := types.AuthError(errCredentialSuspended)
		data, err := c.serveStale(key, cause)
		return data, cause, err
	}

	c.metrics.Miss()
	c.setStatus(key, gen, types.StatusFetching)

	v, err, _ := c.sf.Do(key, func() (any, error) {
		data, err := c.load(ctx, loader)
		if err != nil {
			c.applyFailure(key, gen, types.AsFetchError(err))
			return nil, err
		}
		c.applySuccess(key, gen, data, classifier)
		return data, nil
	})
	if err != nil {
		// The loader failed, but previous data (if any) is still
		// displayable. Resolve with it rather than hiding it; the failure
		// is on the entry for anyone who asks.
		fe := types.AsFetchError(err)
		c.mu.Lock()
		data := c.entryLocked(key).Data
		c.mu.Unlock()
		if data != nil {
			c.metrics.StaleServed()
			return data, fe, nil
		}
		return nil, fe, err
	}
	return v, nil, nil
}

// load runs the loader once, bounded by the fetch timeout, with one
// credential-renewal retry on an auth-class failure.
func (c *ResourceCache) load(ctx context.Context, loader types.Loader) (any, error) {
	data, err := c.loadOnce(ctx, loader)
	if err == nil || !types.IsAuth(err) || c.creds == nil {
		return data, err
	}

	// 401-equivalent: the token likely expired under us. Renew once
	// (single-flighted with every other fetch hitting the same wall) and
	// retry the original load once.
	if rerr := c.creds.Refresh(ctx); rerr != nil {
		return nil, types.AuthError(rerr)
	}
	return c.loadOnce(ctx, loader)
}

func (c *ResourceCache) loadOnce(ctx context.Context, loader types.Loader) (any, error) {
	lctx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}
	return loader(lctx)
}

/*
serveStale is the degraded read path: last-known data from memory, then
from the persisted snapshot, marked Stale with the failure recorded. Only
when neither exists does the caller see an error.
*/
func (c *ResourceCache) serveStale(key string, cause *types.FetchError) (any, error) {
	c.mu.Lock()
	ent := c.entryLocked(key)

	if ent.Data == nil && c.store != nil {
		if snap, ok := c.store.Read(key); ok {
			var data any
			if err := snap.Decode(&data); err == nil {
				ent.Data = data
				ent.FetchedAt = snap.Timestamp
			}
		}
	}

	if ent.Data == nil {
		ent.Status = types.StatusError
		ent.LastError = cause
		c.mu.Unlock()
		c.notify(key)
		return nil, cause
	}

	ent.Status = types.StatusStale
	ent.LastError = cause
	data := ent.Data
	c.mu.Unlock()

	c.metrics.StaleServed()
	c.notify(key)
	return data, nil
}

// setStatus flips the entry status (Fetching, mostly) if the generation
// still matches.
func (c *ResourceCache) setStatus(key string, gen uint64, status types.EntryStatus) {
	c.mu.Lock()
	if c.gens[key] == gen {
		c.entryLocked(key).Status = status
	}
	c.mu.Unlock()
}

// applySuccess installs freshly loaded data, persists it, and fans out.
// A generation mismatch means the key was torn down while the loader ran;
// the result is discarded without any observable side effect.
func (c *ResourceCache) applySuccess(key string, gen uint64, data any, classifier types.Classifier) {
	now := time.Now()
	tier := types.TierSettled
	if classifier != nil {
		tier = classifier(data)
	}

	c.mu.Lock()
	if c.gens[key] != gen {
		c.mu.Unlock()
		return
	}
	ent := c.entryLocked(key)
	ent.Data = data
	ent.FetchedAt = now
	ent.StaleAt = now.Add(c.IntervalFor(tier))
	ent.Status = types.StatusFresh
	ent.LastError = nil
	c.mu.Unlock()

	if c.store != nil {
		c.store.Write(key, data)
		c.metrics.Persist()
	}
	c.notify(key)
}

// applyFailure records the error, keeps the last good data, and fans out.
func (c *ResourceCache) applyFailure(key string, gen uint64, fe *types.FetchError) {
	c.mu.Lock()
	if c.gens[key] != gen {
		c.mu.Unlock()
		return
	}
	ent := c.entryLocked(key)
	ent.Status = types.StatusError
	ent.LastError = fe
	hadData := ent.Data != nil
	c.mu.Unlock()

	c.log.Debug("cache: fetch failed", "key", key, "kind", fe.Kind, "stale_data", hadData)
	c.notify(key)
}

// IntervalFor maps a tier to the staleness window it implies.
func (c *ResourceCache) IntervalFor(tier types.ActivityTier) time.Duration {
	if tier == types.TierActive {
		return c.short
	}
	return c.long
}

/*
Invalidate forces the next Fetch for key to hit the transport by moving
StaleAt to now. Data is kept so the UI never flickers to empty between the
invalidation and the refetch.
*/
func (c *ResourceCache) Invalidate(key string) {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if ok {
		ent.StaleAt = time.Now()
		if ent.Status == types.StatusFresh {
			ent.Status = types.StatusStale
		}
	}
	c.mu.Unlock()
}

// Subscribe registers listener for entry changes on key and returns its
// cancel function. When the LAST listener for a key cancels, the
// stop-polling callback fires for that key.
func (c *ResourceCache) Subscribe(key string, listener types.Listener) func() {
	id := uuid.NewString()

	c.mu.Lock()
	ls := c.subs[key]
	if ls == nil {
		ls = make(map[string]types.Listener)
		c.subs[key] = ls
	}
	ls[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(key, id) })
	}
}

func (c *ResourceCache) unsubscribe(key, id string) {
	c.mu.Lock()
	last := false
	if ls := c.subs[key]; ls != nil {
		delete(ls, id)
		if len(ls) == 0 {
			delete(c.subs, key)
			last = true
			// A fetch still in flight for the torn-down key must resolve
			// into the void: no entry mutation, no snapshot write, no
			// entry-updated event. Fetches started after this (including
			// bare subscriber-less ones) capture the new generation and
			// cache normally.
			c.nextGen++
			c.gens[key] = c.nextGen
		}
	}
	c.mu.Unlock()

	if last {
		c.onLastUnsubscribe(key)
	}
}

// HasSubscribers reports whether anyone is listening on key.
func (c *ResourceCache) HasSubscribers(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[key]) > 0
}

/*
Reset drops every entry and every subscription and bumps all generations,
so any fetch still in flight resolves into the void: no entry mutation, no
listener call, nothing resurrected.
*/
func (c *ResourceCache) Reset() {
	c.mu.Lock()
	for key := range c.gens {
		c.nextGen++
		c.gens[key] = c.nextGen
	}
	c.entries = make(map[string]*types.CacheEntry)
	c.subs = make(map[string]map[string]types.Listener)
	c.mu.Unlock()
}

// Hydrate seeds an Idle key from its persisted snapshot, if one exists.
// The entry comes up Stale so the first real fetch still happens.
func (c *ResourceCache) Hydrate(key string) bool {
	if c.store == nil {
		return false
	}
	snap, ok := c.store.Read(key)
	if !ok {
		return false
	}
	var data any
	if err := snap.Decode(&data); err != nil {
		return false
	}

	c.mu.Lock()
	ent := c.entryLocked(key)
	if ent.Data == nil {
		ent.Data = data
		ent.FetchedAt = snap.Timestamp
		ent.StaleAt = snap.Timestamp
		ent.Status = types.StatusStale
	}
	c.mu.Unlock()
	return true
}

// entryLocked returns key's entry, creating the Idle one (and its
// generation) on first sight. Caller holds c.mu.
func (c *ResourceCache) entryLocked(key string) *types.CacheEntry {
	ent, ok := c.entries[key]
	if !ok {
		ent = &types.CacheEntry{Key: key, Status: types.StatusIdle}
		c.entries[key] = ent
		if _, seen := c.gens[key]; !seen {
			c.nextGen++
			c.gens[key] = c.nextGen
		}
	}
	return ent
}

// notify fans the current entry out to key's listeners and, when
// notifications are enabled, onto the event bus.
func (c *ResourceCache) notify(key string) {
	ent := c.Get(key)

	c.mu.Lock()
	listeners := make([]types.Listener, 0, len(c.subs[key]))
	for _, l := range c.subs[key] {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(ent)
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Topic: events.EntryUpdated, Key: key, Payload: ent})
	}
}
