/*
Package scheduler decides how often each resource is refetched.

Intervals are not fixed per key. After every successful refetch the caller's
classifier re-examines the new data and the next interval tracks the result:
a resource with anything still in flight polls at the short interval, a
fully settled one drops to the long interval. Offline or credential-suspended
ticks are skipped, never cancelled, so polling resumes by itself on the next
natural tick once the gate opens.
*/
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowboard/flowsync/types"
)

// RefetchFunc performs one refetch for a key and reports the activity tier
// of the data obtained, so the scheduler can pick the next interval.
type RefetchFunc func(ctx context.Context) (types.ActivityTier, error)

// pollTimer is one key's live timer. At most one exists per key; replacing
// it always cancels the previous one first.
type pollTimer struct {
	key      string
	tier     types.ActivityTier
	interval time.Duration
	timer    *time.Timer
	gen      uint64
	failures int
	armedAt  time.Time
	refetch  RefetchFunc
}

// Scheduler owns every poll timer in the engine.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*pollTimer
	nextGen uint64
	closed  bool

	online    func() bool
	suspended func() bool

	short   time.Duration
	long    time.Duration
	timeout time.Duration

	// maxBackoff caps the exponential backoff applied after consecutive
	// retryable refetch failures.
	maxBackoff time.Duration

	metrics types.Metrics
	log     *slog.Logger
}

// New builds a scheduler. online and suspended gate each tick; short and
// long are the two tier intervals; timeout bounds each refetch.
func New(online, suspended func() bool, short, long, timeout time.Duration, metrics types.Metrics, log *slog.Logger) *Scheduler {
	if online == nil {
		online = func() bool { return true }
	}
	if suspended == nil {
		suspended = func() bool { return false }
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		timers:     make(map[string]*pollTimer),
		online:     online,
		suspended:  suspended,
		short:      short,
		long:       long,
		timeout:    timeout,
		maxBackoff: 4 * long,
		metrics:    metrics,
		log:        log,
	}
}

// IntervalFor maps an activity tier to its polling interval.
func (s *Scheduler) IntervalFor(tier types.ActivityTier) time.Duration {
	if tier == types.TierActive {
		return s.short
	}
	return s.long
}

/*
Arm installs the repeating timer for key at the interval the tier implies.

Re-arming an already armed key replaces its timer; the old one is cancelled
first so no two timers ever run for the same key. Arm on a closed scheduler
is a no-op.
*/
func (s *Scheduler) Arm(key string, tier types.ActivityTier, refetch RefetchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.disarmLocked(key)

	s.nextGen++
	pt := &pollTimer{
		key:      key,
		tier:     tier,
		interval: s.IntervalFor(tier),
		gen:      s.nextGen,
		armedAt:  time.Now(),
		refetch:  refetch,
	}
	s.timers[key] = pt
	s.scheduleLocked(pt)
}

// Disarm cancels key's timer. Idempotent; disarming an unknown key is safe.
func (s *Scheduler) Disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(key)
}

// DisarmAll cancels every timer. The scheduler stays usable; Reset-style
// flows re-arm keys as they are fetched again.
func (s *Scheduler) DisarmAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.timers {
		s.disarmLocked(key)
	}
}

// Close cancels every timer and refuses new Arms. Used on teardown;
// leaked timers would keep fetching against a torn-down credential.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.timers {
		s.disarmLocked(key)
	}
	s.closed = true
}

// Armed reports whether key currently has a live timer.
func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *Scheduler) disarmLocked(key string) {
	if pt, ok := s.timers[key]; ok {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		delete(s.timers, key)
	}
}

// scheduleLocked arms the underlying timer for pt's next fire.
func (s *Scheduler) scheduleLocked(pt *pollTimer) {
	gen := pt.gen
	key := pt.key
	pt.armedAt = time.Now()
	pt.timer = time.AfterFunc(pt.interval, func() { s.tick(key, gen) })
}

/*
tick is one timer fire for key.

The generation check makes a fire from a replaced or disarmed timer a
no-op: Disarm followed by the old timer's already-queued fire must not
refetch. A gated tick (offline or suspended) re-arms at the SAME interval
rather than cancelling, so a reconnect is picked up on the next natural
tick without a thundering herd of immediate refetches.
*/
func (s *Scheduler) tick(key string, gen uint64) {
	s.mu.Lock()
	pt, ok := s.timers[key]
	if !ok || pt.gen != gen {
		s.mu.Unlock()
		return
	}
	if !s.online() || s.suspended() {
		s.scheduleLocked(pt)
		s.mu.Unlock()
		return
	}
	refetch := pt.refetch
	s.mu.Unlock()

	s.metrics.Refetch()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	tier, err := refetch(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	// The key may have been disarmed or re-armed while the refetch ran.
	pt, ok = s.timers[key]
	if !ok || pt.gen != gen {
		return
	}

	if err != nil {
		fe := types.AsFetchError(err)
		if fe.Retryable() {
			pt.failures++
			pt.interval = s.backoff(pt)
		} else {
			// Auth recovery happens inside the refetch itself; a client
			// error will not fix itself by hammering. Drop to the long
			// interval and keep watching.
			pt.failures = 0
			pt.interval = s.long
		}
		s.log.Debug("scheduler: refetch failed", "key", key, "kind", fe.Kind, "next", pt.interval)
	} else {
		pt.failures = 0
		pt.tier = tier
		pt.interval = s.IntervalFor(tier)
	}
	s.scheduleLocked(pt)
}

// backoff doubles the tier's base interval per consecutive failure, capped.
func (s *Scheduler) backoff(pt *pollTimer) time.Duration {
	d := s.IntervalFor(pt.tier)
	for i := 0; i < pt.failures; i++ {
		d *= 2
		if d >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	return d
}
