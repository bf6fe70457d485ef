package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	flowsync "github.com/flowboard/flowsync"
	"github.com/flowboard/flowsync/config"
	"github.com/flowboard/flowsync/credential"
	"github.com/flowboard/flowsync/events"
	"github.com/flowboard/flowsync/snapshot"
	"github.com/flowboard/flowsync/types"
)

// ================= FAKE ORCHESTRATOR API =================

// TaskInstance is one task of a workflow run, as the remote API reports it.
type TaskInstance struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// WorkflowAPI simulates the orchestrator backend: a set of runs whose tasks
// progress toward terminal states on every fetch.
type WorkflowAPI struct {
	mu    sync.Mutex
	runs  map[string][]TaskInstance
	calls int
}

func NewWorkflowAPI() *WorkflowAPI {
	return &WorkflowAPI{
		runs: map[string][]TaskInstance{
			"runs:payments-etl": {
				{ID: "extract", State: "success"},
				{ID: "transform", State: "running"},
				{ID: "load", State: "queued"},
			},
			"runs:daily-report": {
				{ID: "aggregate", State: "success"},
				{ID: "publish", State: "success"},
			},
		},
	}
}

// LoaderFor returns the abstract fetch function for one run key. Each call
// advances the simulation: one non-terminal task settles.
func (a *WorkflowAPI) LoaderFor(key string) types.Loader {
	return func(ctx context.Context) (any, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.calls++
		fmt.Printf("API    → GET %s (call #%d)\n", key, a.calls)

		tasks := a.runs[key]
		for i, t := range tasks {
			if t.State == "running" || t.State == "queued" {
				tasks[i].State = "success"
				break
			}
		}
		out := make([]TaskInstance, len(tasks))
		copy(out, tasks)
		return out, nil
	}
}

// classifyRun maps a run's task states to a polling tier: anything still
// in flight means poll fast.
func classifyRun(data any) types.ActivityTier {
	tasks, ok := data.([]TaskInstance)
	if !ok {
		return types.TierSettled
	}
	for _, t := range tasks {
		if t.State == "running" || t.State == "queued" {
			return types.TierActive
		}
	}
	return types.TierSettled
}

// ================= MAIN =================

func main() {
	ctx := context.Background()

	fmt.Println("\n==================== SYSTEM BOOT ====================")

	opts := config.Default()
	opts.ShortInterval = 500 * time.Millisecond
	opts.LongInterval = 3 * time.Second
	opts.FetchTimeout = 2 * time.Second

	fmt.Println("SHORT INTERVAL  :", opts.ShortInterval)
	fmt.Println("LONG INTERVAL   :", opts.LongInterval)
	fmt.Println("PERSISTENCE     : in-memory storage")

	api := NewWorkflowAPI()
	storage := snapshot.NewMemoryStorage()

	// The fake auth backend issues short-lived tokens.
	refresh := func(ctx context.Context) (credential.Credential, error) {
		fmt.Println("AUTH   → token renewed")
		return credential.Credential{
			AccessToken:   fmt.Sprintf("token-%d", time.Now().UnixNano()),
			ExpiresAt:     time.Now().Add(10 * time.Second),
			RefreshMargin: 2 * time.Second,
		}, nil
	}

	engine, err := flowsync.New(opts, refresh, storage, nil, nil)
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	engine.SetCredential(credential.Credential{
		AccessToken:   "login-token",
		ExpiresAt:     time.Now().Add(10 * time.Second),
		RefreshMargin: 2 * time.Second,
	})

	engine.Events().Subscribe(events.CredentialRefreshed, func(ev events.Event) {
		fmt.Println("EVENT  → credential-refreshed")
	})
	engine.Events().Subscribe(events.ConnectivityChanged, func(ev events.Event) {
		fmt.Println("EVENT  → connectivity-changed")
	})

	// ====================================================
	fmt.Println("\n==================== 1) SUBSCRIBE + FIRST FETCH ====================")

	unsub := engine.Subscribe("runs:payments-etl", func(ent types.CacheEntry) {
		fmt.Printf("UI     → %s is %s (age %s)\n", ent.Key, ent.Status, ent.Age(time.Now()).Round(time.Millisecond))
	})

	data, _ := engine.Fetch(ctx, "runs:payments-etl", api.LoaderFor("runs:payments-etl"), classifyRun)
	fmt.Println("CACHE  → tier =", classifyRun(data))

	// ====================================================
	fmt.Println("\n==================== 2) ADAPTIVE POLLING ====================")
	fmt.Println("run has active tasks, so the engine polls at the short interval")
	fmt.Println("and drops to the long interval once everything settles")

	time.Sleep(2 * time.Second)

	ent := engine.Get("runs:payments-etl")
	fmt.Println("CACHE  → tier after polling =", classifyRun(ent.Data))

	// ====================================================
	fmt.Println("\n==================== 3) SINGLE-FLIGHT ====================")

	engine.Invalidate("runs:daily-report")
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			v, _ := engine.Fetch(ctx, "runs:daily-report", api.LoaderFor("runs:daily-report"), classifyRun)
			fmt.Printf("GOROUTINE-%d → got %d tasks\n", id, len(v.([]TaskInstance)))
		}(i)
	}
	wg.Wait()

	// ====================================================
	fmt.Println("\n==================== 4) OFFLINE ====================")

	engine.SetOnline(false)
	engine.Invalidate("runs:daily-report")

	v, _ := engine.Fetch(ctx, "runs:daily-report", api.LoaderFor("runs:daily-report"), classifyRun)
	ent = engine.Get("runs:daily-report")
	fmt.Printf("CACHE  → served %d tasks with status=%s while offline\n", len(v.([]TaskInstance)), ent.Status)

	engine.SetOnline(true)

	// ====================================================
	fmt.Println("\n==================== SHUTDOWN ====================")

	unsub()
	engine.Close()
	fmt.Println("SYSTEM → engine closed cleanly")
}
