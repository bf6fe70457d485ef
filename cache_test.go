package flowsync_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	flowsync "github.com/flowboard/flowsync"
	"github.com/flowboard/flowsync/connectivity"
	"github.com/flowboard/flowsync/credential"
	"github.com/flowboard/flowsync/snapshot"
	"github.com/flowboard/flowsync/types"
)

const (
	shortIv = 50 * time.Millisecond
	longIv  = 500 * time.Millisecond
)

// newTestCache builds an isolated cache over in-memory storage. creds may
// be nil when the test does not exercise the credential path.
func newTestCache(monitor *connectivity.Monitor, creds *credential.Manager) (*flowsync.ResourceCache, *snapshot.MemoryStorage) {
	storage := snapshot.NewMemoryStorage()
	store := snapshot.NewStore(storage, "test:", time.Hour, nil)
	c := flowsync.NewResourceCache(monitor, creds, store, nil, nil, nil, shortIv, longIv, time.Second)
	return c, storage
}

func activeClassifier(any) types.ActivityTier  { return types.TierActive }
func settledClassifier(any) types.ActivityTier { return types.TierSettled }

//
// ================= SINGLE-FLIGHT =================
//

func TestConcurrentFetchesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	var calls atomic.Int32
	loader := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // let callers pile up
		return "run-data", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Fetch(ctx, "runs:etl", loader, settledClassifier)
			if err != nil {
				t.Errorf("fetch %d failed: %v", i, err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 loader call, got %d", calls.Load())
	}
	for i, v := range results {
		if v != "run-data" {
			t.Fatalf("caller %d saw %v, want the shared result", i, v)
		}
	}
}

func TestFreshEntryServedWithoutLoader(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	var calls atomic.Int32
	loader := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	c.Fetch(ctx, "runs:etl", loader, settledClassifier)
	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	if calls.Load() != 1 {
		t.Fatalf("fresh entry went back to the loader (%d calls)", calls.Load())
	}
}

//
// ================= STALENESS & INVALIDATION =================
//

func TestClassifierTierSetsStaleness(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	loader := func(ctx context.Context) (any, error) { return "x", nil }

	before := time.Now()
	c.Fetch(ctx, "active", loader, activeClassifier)
	c.Fetch(ctx, "settled", loader, settledClassifier)

	activeEnt := c.Get("active")
	settledEnt := c.Get("settled")

	if d := activeEnt.StaleAt.Sub(before); d > shortIv+30*time.Millisecond {
		t.Fatalf("active entry staleness window %s, want about %s", d, shortIv)
	}
	if d := settledEnt.StaleAt.Sub(before); d < longIv-30*time.Millisecond {
		t.Fatalf("settled entry staleness window %s, want about %s", d, longIv)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	var calls atomic.Int32
	loader := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	v, _ := c.Fetch(ctx, "runs:etl", loader, settledClassifier)
	if v != int32(1) {
		t.Fatalf("first fetch got %v", v)
	}

	c.Invalidate("runs:etl")

	ent := c.Get("runs:etl")
	if ent.Status != types.StatusStale {
		t.Fatalf("expected stale after invalidate, got %s", ent.Status)
	}
	if ent.Data == nil {
		t.Fatal("invalidate must keep data, the UI would flicker otherwise")
	}

	v, _ = c.Fetch(ctx, "runs:etl", loader, settledClassifier)
	if v != int32(2) {
		t.Fatalf("invalidate-then-fetch served a cached value: %v", v)
	}
}

//
// ================= FAILURE SEMANTICS =================
//

func TestFailedRefetchKeepsLastGoodData(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	fail := atomic.Bool{}
	loader := func(ctx context.Context) (any, error) {
		if fail.Load() {
			return nil, types.ServerError(errors.New("backend 503"))
		}
		return "good-data", nil
	}

	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	fail.Store(true)
	c.Invalidate("runs:etl")

	v, err := c.Fetch(ctx, "runs:etl", loader, settledClassifier)
	if err != nil {
		t.Fatalf("fetch with displayable data must not error, got %v", err)
	}
	if v != "good-data" {
		t.Fatalf("expected the last good data, got %v", v)
	}

	ent := c.Get("runs:etl")
	if ent.Status != types.StatusError {
		t.Fatalf("expected error status, got %s", ent.Status)
	}
	if ent.LastError == nil || ent.LastError.Kind != types.KindServer {
		t.Fatalf("expected recorded server error, got %v", ent.LastError)
	}
	if ent.Data != "good-data" {
		t.Fatal("failure discarded the previous data")
	}
}

func TestInitialFetchFailureSurfacesError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	loader := func(ctx context.Context) (any, error) {
		return nil, types.ClientError(errors.New("bad request"))
	}

	if _, err := c.Fetch(ctx, "runs:etl", loader, settledClassifier); err == nil {
		t.Fatal("nothing to show and the load failed: expected an error")
	}
}

func TestSuccessAfterFailureClearsLastError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	fail := atomic.Bool{}
	fail.Store(true)
	loader := func(ctx context.Context) (any, error) {
		if fail.Load() {
			return nil, types.NetworkError(errors.New("conn refused"))
		}
		return "data", nil
	}

	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	fail.Store(false)
	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	ent := c.Get("runs:etl")
	if ent.Status != types.StatusFresh || ent.LastError != nil {
		t.Fatalf("expected a clean fresh entry, got status=%s err=%v", ent.Status, ent.LastError)
	}
}

//
// ================= OFFLINE =================
//

func TestOfflineServesPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	monitor := connectivity.NewMonitor(true)
	c, storage := newTestCache(monitor, nil)

	var calls atomic.Int32
	loader := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "persisted-data", nil
	}

	// Warm fetch persists the snapshot; a second cache simulates a reload.
	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	monitor2 := connectivity.NewMonitor(false)
	store2 := snapshot.NewStore(storage, "test:", time.Hour, nil)
	c2 := flowsync.NewResourceCache(monitor2, nil, store2, nil, nil, nil, shortIv, longIv, time.Second)

	v, err := c2.Fetch(ctx, "runs:etl", loader, settledClassifier)
	if err != nil {
		t.Fatalf("offline fetch with a snapshot available errored: %v", err)
	}
	if v != "persisted-data" {
		t.Fatalf("expected persisted snapshot, got %v", v)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader ran while offline (%d calls)", calls.Load())
	}

	ent := c2.Get("runs:etl")
	if ent.Status != types.StatusStale {
		t.Fatalf("offline data must be marked stale, got %s", ent.Status)
	}
	if ent.Age(time.Now()) <= 0 {
		t.Fatal("offline entry must report a staleness age")
	}
}

func TestOfflineWithNothingCachedErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(false), nil)

	loader := func(ctx context.Context) (any, error) {
		t.Error("loader must not run offline")
		return nil, nil
	}

	if _, err := c.Fetch(ctx, "runs:etl", loader, settledClassifier); err == nil {
		t.Fatal("expected an error with no data anywhere")
	}
}

//
// ================= CREDENTIAL PATH =================
//

func TestAuthErrorTriggersOneRefreshAcrossFetches(t *testing.T) {
	ctx := context.Background()
	monitor := connectivity.NewMonitor(true)

	var refreshes atomic.Int32
	tokenOK := atomic.Bool{}
	creds := credential.NewManager(func(ctx context.Context) (credential.Credential, error) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond) // let both recoveries overlap
		tokenOK.Store(true)
		return credential.Credential{
			AccessToken: "renewed",
			ExpiresAt:   time.Now().Add(time.Hour),
		}, nil
	}, monitor.IsOnline, nil, nil, nil)
	creds.Set(credential.Credential{
		AccessToken: "expired-but-unnoticed",
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	store := snapshot.NewStore(snapshot.NewMemoryStorage(), "test:", time.Hour, nil)
	c := flowsync.NewResourceCache(monitor, creds, store, nil, nil, nil, shortIv, longIv, time.Second)

	// Both loaders 401 until the token is renewed, then succeed.
	loaderFor := func(key string) types.Loader {
		return func(ctx context.Context) (any, error) {
			if !tokenOK.Load() {
				return nil, types.AuthError(errors.New("401"))
			}
			return key + "-data", nil
		}
	}

	var wg sync.WaitGroup
	for _, key := range []string{"runs:etl", "runs:report"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			v, err := c.Fetch(ctx, key, loaderFor(key), settledClassifier)
			if err != nil {
				t.Errorf("fetch %s failed after renewal: %v", key, err)
			}
			if v != key+"-data" {
				t.Errorf("fetch %s got %v", key, v)
			}
		}(key)
	}
	wg.Wait()

	if refreshes.Load() != 1 {
		t.Fatalf("overlapping auth recoveries ran %d refreshes, want 1", refreshes.Load())
	}
}

func TestSuspendedCredentialHoldsFetches(t *testing.T) {
	ctx := context.Background()
	monitor := connectivity.NewMonitor(true)

	creds := credential.NewManager(func(ctx context.Context) (credential.Credential, error) {
		return credential.Credential{}, errors.New("down")
	}, monitor.IsOnline, nil, nil, nil)
	// Never logged in: suspended.

	c := flowsync.NewResourceCache(monitor, creds, nil, nil, nil, nil, shortIv, longIv, time.Second)

	loader := func(ctx context.Context) (any, error) {
		t.Error("loader must not run while the credential is suspended")
		return nil, nil
	}

	if _, err := c.Fetch(ctx, "runs:etl", loader, settledClassifier); err == nil {
		t.Fatal("expected an error with no credential and no data")
	}
}

//
// ================= SUBSCRIBERS & TEARDOWN =================
//

func TestSubscribersSeeUpdates(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	var seen []types.EntryStatus
	var mu sync.Mutex
	c.Subscribe("runs:etl", func(ent types.CacheEntry) {
		mu.Lock()
		seen = append(seen, ent.Status)
		mu.Unlock()
	})

	loader := func(ctx context.Context) (any, error) { return "data", nil }
	c.Fetch(ctx, "runs:etl", loader, settledClassifier)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != types.StatusFresh {
		t.Fatalf("subscriber never saw the fresh entry: %v", seen)
	}
}

func TestLastUnsubscribeSignalsOnce(t *testing.T) {
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	var stopped []string
	c.SetOnLastUnsubscribe(func(key string) { stopped = append(stopped, key) })

	cancel1 := c.Subscribe("runs:etl", func(types.CacheEntry) {})
	cancel2 := c.Subscribe("runs:etl", func(types.CacheEntry) {})

	cancel1()
	if len(stopped) != 0 {
		t.Fatal("stop signal fired while a listener remained")
	}
	cancel2()
	cancel2() // double-cancel is a no-op
	if len(stopped) != 1 || stopped[0] != "runs:etl" {
		t.Fatalf("expected one stop signal for runs:etl, got %v", stopped)
	}
}

func TestLastUnsubscribeDropsInFlightResult(t *testing.T) {
	ctx := context.Background()
	c, storage := newTestCache(connectivity.NewMonitor(true), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "late-data", nil
	}

	unsub := c.Subscribe("runs:orphan", func(types.CacheEntry) {})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Fetch(ctx, "runs:orphan", loader, settledClassifier)
	}()
	<-started

	// No Reset here: cancelling the last listener alone must be enough to
	// make the in-flight result resolve into the void.
	unsub()

	close(release)
	<-done

	ent := c.Get("runs:orphan")
	if ent.Data != nil || ent.Status == types.StatusFresh {
		t.Fatalf("late resolution mutated a torn-down key: %+v", ent)
	}
	if _, ok := storage.GetItem("test:runs:orphan"); ok {
		t.Fatal("late resolution persisted a snapshot for a torn-down key")
	}
}

func TestResetDropsInFlightResult(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(connectivity.NewMonitor(true), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "late-data", nil
	}

	notified := atomic.Int32{}
	unsub := c.Subscribe("runs:etl", func(types.CacheEntry) { notified.Add(1) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Fetch(ctx, "runs:etl", loader, settledClassifier)
	}()
	<-started

	// Tear the key down while the loader is still running.
	unsub()
	c.Reset()
	after := notified.Load()

	close(release)
	<-done

	if notified.Load() != after {
		t.Fatal("a listener was notified after teardown")
	}
	ent := c.Get("runs:etl")
	if ent.Data != nil || ent.Status == types.StatusFresh {
		t.Fatalf("late resolution mutated a torn-down key: %+v", ent)
	}
}
