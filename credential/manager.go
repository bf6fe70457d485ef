/*
Package credential tracks the one process-wide API credential and renews it
before it expires.

The renewal itself is the caller's RefreshFunc (a real asynchronous call to
an auth endpoint); this package owns WHEN it runs and guarantees it runs at
most once at a time. Concurrent renewal requests, whether from the expiry
timer or from 401-style signals racing in from several fetches, all share
one in-flight refresh and one outcome.
*/
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowboard/flowsync/events"
	"github.com/flowboard/flowsync/types"
)

// State is where the credential is in its lifecycle.
type State string

const (
	// StateMissing: no credential has been set (pre-login or post-logout).
	StateMissing State = "missing"

	// StateValid: credential set, renewal timer armed.
	StateValid State = "valid"

	// StateRefreshing: a renewal is in flight right now.
	StateRefreshing State = "refreshing"

	// StateInvalid: the last renewal failed irrecoverably. All fetches stay
	// suspended until a new credential is set.
	StateInvalid State = "invalid"
)

// ErrNoCredential is returned by Refresh when nothing is set to renew.
var ErrNoCredential = errors.New("credential: none set")

// Credential is the token plus its expiry metadata. RefreshMargin is how
// long before ExpiresAt the renewal should run.
type Credential struct {
	AccessToken   string
	ExpiresAt     time.Time
	RefreshMargin time.Duration
}

// RefreshFunc performs the actual renewal against the auth backend.
type RefreshFunc func(ctx context.Context) (Credential, error)

/*
Manager is the credential lifecycle state machine:

	Valid (timer armed) -> Refreshing -> Valid
	                                  -> Invalid (until Set is called again)

There is no separate renewal-scheduled state: Set arms the renewal timer in
the same critical section that makes the credential Valid, so "valid" and
"renewal scheduled" are never observable apart and StateValid covers both.

Exactly one credential exists at a time; Set replaces it atomically.
*/
type Manager struct {
	mu    sync.Mutex
	cred  Credential
	state State
	timer *time.Timer
	gen   uint64 // bumped on Set/Clear so a stale timer fire is a no-op

	refreshFn RefreshFunc
	online    func() bool
	bus       *events.Bus
	metrics   types.Metrics
	log       *slog.Logger
	sf        singleflight.Group

	// RetryInterval is how long a timer-triggered renewal waits before
	// re-checking when the engine is offline at fire time.
	RetryInterval time.Duration

	// Timeout bounds each RefreshFunc invocation.
	Timeout time.Duration
}

// NewManager builds a manager in the missing state. online gates
// timer-triggered renewals; bus and metrics may be nil.
func NewManager(refreshFn RefreshFunc, online func() bool, bus *events.Bus, metrics types.Metrics, log *slog.Logger) *Manager {
	if online == nil {
		online = func() bool { return true }
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		state:         StateMissing,
		refreshFn:     refreshFn,
		online:        online,
		bus:           bus,
		metrics:       metrics,
		log:           log,
		RetryInterval: 10 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// Set installs a new credential (login, or the result of a renewal) and
// arms the renewal timer at ExpiresAt - RefreshMargin.
func (m *Manager) Set(cred Credential) {
	m.mu.Lock()
	m.cred = cred
	m.state = StateValid
	m.gen++
	m.armLocked(time.Until(cred.ExpiresAt.Add(-cred.RefreshMargin)))
	m.mu.Unlock()
}

// Clear drops the credential (logout). All timers are cancelled.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.cred = Credential{}
	m.state = StateMissing
	m.gen++
	m.stopTimerLocked()
	m.mu.Unlock()
}

// Token returns the current access token, or false while missing/invalid.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateMissing || m.state == StateInvalid {
		return "", false
	}
	return m.cred.AccessToken, true
}

// Status reports the lifecycle state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Suspended reports whether fetches must be held back: no credential, a
// failed renewal, or a token that already expired before the renewal ran.
func (m *Manager) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateMissing, StateInvalid:
		return true
	}
	return !m.cred.ExpiresAt.IsZero() && time.Now().After(m.cred.ExpiresAt)
}

/*
Refresh renews the credential now.

All concurrent callers share one in-flight renewal: the expiry timer and any
number of fetches recovering from an auth error collapse into a single
RefreshFunc call, and every caller sees that one outcome. On failure the
manager goes Invalid, timers are cancelled, and credential-invalid is
emitted; callers must stop fetching until Set is called again.
*/
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateMissing {
		m.mu.Unlock()
		return ErrNoCredential
	}
	m.state = StateRefreshing
	m.stopTimerLocked()
	m.mu.Unlock()

	m.metrics.CredentialRefresh()

	rctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	cred, err := m.refreshFn(rctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateInvalid
		m.cred = Credential{}
		m.gen++
		m.mu.Unlock()
		m.log.Warn("credential: renewal failed, suspending fetches", "err", err)
		m.publish(events.CredentialInvalid, err)
		return err
	}

	m.Set(cred)
	m.publish(events.CredentialRefreshed, nil)
	return nil
}

// armLocked schedules the next timer-driven renewal. Caller holds m.mu.
func (m *Manager) armLocked(in time.Duration) {
	m.stopTimerLocked()
	if in < 0 {
		in = 0
	}
	gen := m.gen
	m.timer = time.AfterFunc(in, func() { m.onTimer(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// onTimer is the expiry-margin fire. A fire from a replaced credential's
// timer is discarded by the generation check.
func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateValid {
		m.mu.Unlock()
		return
	}
	if !m.online() {
		// Can't renew while disconnected. Keep re-checking; the token may
		// outlive the offline window.
		m.armLocked(m.RetryInterval)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_ = m.Refresh(context.Background())
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Topic: topic, Payload: payload})
	}
}
