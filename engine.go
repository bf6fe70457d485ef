/*
Package flowsync is an adaptive synchronization engine for a workflow
orchestrator dashboard.

Per resource it decides how often to refetch from the remote API, keeps
redundant concurrent fetches collapsed to one, serves the last-known
snapshot while offline, and renews the API credential before it expires.
It renders nothing and speaks no HTTP: the UI and the transport are
external collaborators reached through the SyncEngine facade and the
Loader function respectively.
*/
package flowsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowboard/flowsync/api"
	"github.com/flowboard/flowsync/config"
	"github.com/flowboard/flowsync/connectivity"
	"github.com/flowboard/flowsync/credential"
	"github.com/flowboard/flowsync/events"
	"github.com/flowboard/flowsync/scheduler"
	"github.com/flowboard/flowsync/snapshot"
	"github.com/flowboard/flowsync/types"
)

// FetchRequest is one unit of work for FetchAll.
type FetchRequest struct {
	Key        string
	Loader     types.Loader
	Classifier types.Classifier
}

/*
SyncEngine composes the cache, the scheduler, the connectivity monitor, the
snapshot store, and the credential manager behind the one surface the UI
touches. All of them are explicitly constructed, injected instances owned
by the engine; tests build as many isolated engines as they like.
*/
type SyncEngine struct {
	opts config.Options

	cache   *ResourceCache
	sched   *scheduler.Scheduler
	monitor *connectivity.Monitor
	creds   *credential.Manager
	store   *snapshot.Store
	bus     *events.Bus
	metrics types.Metrics
	log     *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}

	closeOnce sync.Once
}

var _ api.Syncer = (*SyncEngine)(nil)

/*
New wires an engine together.

refreshFn is the real asynchronous credential renewal call; storage is the
durable medium for snapshots (ignored unless EnablePersistence). metrics
and log may be nil. Any snapshots already in storage hydrate the cache as
Stale entries so the dashboard has something to paint before the first
fetch lands.
*/
func New(opts config.Options, refreshFn credential.RefreshFunc, storage snapshot.Storage, metrics types.Metrics, log *slog.Logger) (*SyncEngine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}

	monitor := connectivity.NewMonitor(true)

	var bus *events.Bus
	if opts.EnableNotifications {
		bus = events.NewBus()
	}

	var store *snapshot.Store
	if opts.EnablePersistence && storage != nil {
		store = snapshot.NewStore(storage, opts.CachePrefix, opts.MaxCacheAge, log)
	}

	creds := credential.NewManager(refreshFn, monitor.IsOnline, bus, metrics, log)

	cache := NewResourceCache(monitor, creds, store, bus, metrics, log,
		opts.ShortInterval, opts.LongInterval, opts.FetchTimeout)

	// The tick budget leaves room for a credential renewal plus the retried
	// load on top of one ordinary fetch.
	sched := scheduler.New(monitor.IsOnline, creds.Suspended,
		opts.ShortInterval, opts.LongInterval, 3*opts.FetchTimeout, metrics, log)

	cache.SetOnLastUnsubscribe(sched.Disarm)

	e := &SyncEngine{
		opts:      opts,
		cache:     cache,
		sched:     sched,
		monitor:   monitor,
		creds:     creds,
		store:     store,
		bus:       bus,
		metrics:   metrics,
		log:       log,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if bus != nil {
		monitor.OnChange(func(snap connectivity.Snapshot) {
			bus.Publish(events.Event{Topic: events.ConnectivityChanged, Payload: snap})
		})
	}

	e.hydrate()
	go e.sweepLoop()

	return e, nil
}

// hydrate seeds Stale entries from whatever snapshots survived the last
// run, so a cold start renders before the network answers.
func (e *SyncEngine) hydrate() {
	if e.store == nil {
		return
	}
	e.store.SweepExpired(e.opts.MaxCacheAge)
	for _, key := range e.store.Keys() {
		e.cache.Hydrate(key)
	}
}

// sweepLoop evicts over-age snapshots on a timer until Close.
func (e *SyncEngine) sweepLoop() {
	defer close(e.sweepDone)
	if e.store == nil {
		return
	}
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.store.SweepExpired(e.opts.MaxCacheAge); n > 0 {
				for i := 0; i < n; i++ {
					e.metrics.Evict()
				}
			}
		case <-e.sweepStop:
			return
		}
	}
}

/*
Fetch returns the data for key, loading through the cache's single-flight
path, and keeps the polling timer for key armed at the interval the
classifier's tier implies.

Polling only runs for keys somebody subscribed to: a bare Fetch with no
listener gets its data but arms nothing, so one-off reads cannot leak
timers.
*/
func (e *SyncEngine) Fetch(ctx context.Context, key string, loader types.Loader, classifier types.Classifier) (any, error) {
	data, err := e.cache.Fetch(ctx, key, loader, classifier)
	if err != nil {
		return nil, err
	}

	if classifier != nil && e.cache.HasSubscribers(key) {
		tier := classifier(data)
		e.sched.Arm(key, tier, e.refetchFunc(key, loader, classifier))
	}
	return data, nil
}

// refetchFunc builds the scheduler callback for key: force a real fetch
// and report the tier of whatever came back. A load that failed but was
// papered over with stale data still counts as a failure here, so the
// scheduler's backoff engages even while the UI keeps rendering the old
// data.
func (e *SyncEngine) refetchFunc(key string, loader types.Loader, classifier types.Classifier) scheduler.RefetchFunc {
	return func(ctx context.Context) (types.ActivityTier, error) {
		e.cache.Invalidate(key)
		data, cause, err := e.cache.fetch(ctx, key, loader, classifier)
		if err != nil {
			return types.TierSettled, err
		}
		if cause != nil {
			return classifier(data), cause
		}
		return classifier(data), nil
	}
}

/*
FetchAll resolves several resources concurrently. Each key still goes
through its own single-flight gate, so overlapping FetchAll calls never
duplicate loader work. The first error aborts the remaining loads and is
returned; already-resolved keys stay cached.
*/
func (e *SyncEngine) FetchAll(ctx context.Context, reqs []FetchRequest) (map[string]any, error) {
	var mu sync.Mutex
	results := make(map[string]any, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			data, err := e.Fetch(gctx, req.Key, req.Loader, req.Classifier)
			if err != nil {
				return err
			}
			mu.Lock()
			results[req.Key] = data
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RefreshOne forces a real refetch of key right now, regardless of
// staleness.
func (e *SyncEngine) RefreshOne(ctx context.Context, key string, loader types.Loader, classifier types.Classifier) (any, error) {
	e.cache.Invalidate(key)
	return e.Fetch(ctx, key, loader, classifier)
}

// Get returns the current entry without fetching.
func (e *SyncEngine) Get(key string) types.CacheEntry { return e.cache.Get(key) }

// Invalidate marks key stale; the next Fetch refetches.
func (e *SyncEngine) Invalidate(key string) { e.cache.Invalidate(key) }

// Subscribe registers listener for key's entry changes. Cancelling the
// last listener for a key also stops polling it.
func (e *SyncEngine) Subscribe(key string, listener types.Listener) func() {
	return e.cache.Subscribe(key, listener)
}

// SetCredential installs the credential obtained at login. A credential
// without its own RefreshMargin inherits the configured default.
func (e *SyncEngine) SetCredential(cred credential.Credential) {
	if cred.RefreshMargin == 0 {
		cred.RefreshMargin = e.opts.RefreshMargin
	}
	e.creds.Set(cred)
}

// CredentialStatus reports the credential lifecycle state.
func (e *SyncEngine) CredentialStatus() credential.State { return e.creds.Status() }

// Connectivity returns the current connectivity snapshot.
func (e *SyncEngine) Connectivity() connectivity.Snapshot { return e.monitor.Snapshot() }

// SetOnline is the platform adapter's entry point for connectivity edges.
func (e *SyncEngine) SetOnline(online bool) { e.monitor.SetOnline(online) }

// Events exposes the engine's bus, or nil when notifications are disabled.
func (e *SyncEngine) Events() *events.Bus { return e.bus }

// Reset drops all cached entries, subscriptions, and timers. In-flight
// fetches resolve without effect.
func (e *SyncEngine) Reset() {
	e.sched.DisarmAll()
	e.cache.Reset()
}

// Close tears the engine down: every timer cancelled, the sweep stopped,
// the credential cleared. In-flight fetches resolve into the void.
func (e *SyncEngine) Close() {
	e.closeOnce.Do(func() {
		e.sched.Close()
		e.cache.Reset()
		e.creds.Clear()
		close(e.sweepStop)
		<-e.sweepDone
	})
}
