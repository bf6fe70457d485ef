package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowboard/flowsync/events"
)

func validCred(ttl time.Duration) Credential {
	return Credential{
		AccessToken:   "tok",
		ExpiresAt:     time.Now().Add(ttl),
		RefreshMargin: ttl / 2,
	}
}

func TestTokenLifecycle(t *testing.T) {
	m := NewManager(nil, nil, nil, nil, nil)

	if _, ok := m.Token(); ok {
		t.Fatal("expected no token before Set")
	}
	if !m.Suspended() {
		t.Fatal("expected fetches suspended before login")
	}

	m.Set(validCred(time.Hour))
	if tok, ok := m.Token(); !ok || tok != "tok" {
		t.Fatalf("expected token back, got %q %v", tok, ok)
	}
	if m.Suspended() {
		t.Fatal("valid credential must not suspend fetches")
	}

	m.Clear()
	if m.Status() != StateMissing {
		t.Fatalf("expected missing after Clear, got %s", m.Status())
	}
}

func TestExpiredCredentialSuspends(t *testing.T) {
	m := NewManager(func(ctx context.Context) (Credential, error) {
		return Credential{}, errors.New("auth backend down")
	}, nil, nil, nil, nil)

	m.Set(Credential{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	if !m.Suspended() {
		t.Fatal("an already-expired credential must suspend fetches")
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // let callers pile up
		return validCred(time.Hour), nil
	}, nil, nil, nil, nil)
	m.Set(validCred(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Refresh(context.Background()); err != nil {
				t.Errorf("refresh failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", calls.Load())
	}
	if m.Status() != StateValid {
		t.Fatalf("expected valid after refresh, got %s", m.Status())
	}
}

func TestTimerRenewsBeforeExpiry(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return validCred(time.Hour), nil
	}, nil, nil, nil, nil)

	// Renewal due 40ms before the 80ms expiry.
	m.Set(Credential{
		AccessToken:   "tok",
		ExpiresAt:     time.Now().Add(80 * time.Millisecond),
		RefreshMargin: 40 * time.Millisecond,
	})

	time.Sleep(120 * time.Millisecond)

	if calls.Load() == 0 {
		t.Fatal("expected the expiry timer to renew the credential")
	}
	if m.Suspended() {
		t.Fatal("renewed credential must not suspend fetches")
	}
}

func TestRefreshFailureGoesInvalidAndEmits(t *testing.T) {
	bus := events.NewBus()
	var invalid atomic.Int32
	bus.Subscribe(events.CredentialInvalid, func(events.Event) { invalid.Add(1) })

	m := NewManager(func(ctx context.Context) (Credential, error) {
		return Credential{}, errors.New("refresh endpoint 500")
	}, nil, bus, nil, nil)
	m.Set(validCred(time.Hour))

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if m.Status() != StateInvalid {
		t.Fatalf("expected invalid, got %s", m.Status())
	}
	if !m.Suspended() {
		t.Fatal("invalid credential must suspend fetches")
	}
	if invalid.Load() != 1 {
		t.Fatalf("expected 1 credential-invalid event, got %d", invalid.Load())
	}

	// A new login recovers.
	m.Set(validCred(time.Hour))
	if m.Suspended() {
		t.Fatal("fresh credential must lift the suspension")
	}
}

func TestTimerSkipsWhileOffline(t *testing.T) {
	var calls atomic.Int32
	online := atomic.Bool{}

	m := NewManager(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return validCred(time.Hour), nil
	}, online.Load, nil, nil, nil)
	m.RetryInterval = 20 * time.Millisecond

	m.Set(Credential{
		AccessToken:   "tok",
		ExpiresAt:     time.Now().Add(40 * time.Millisecond),
		RefreshMargin: 20 * time.Millisecond,
	})

	// Offline at fire time: the renewal waits and re-checks.
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("renewal ran while offline (%d calls)", calls.Load())
	}

	online.Store(true)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() == 0 {
		t.Fatal("renewal never ran after coming back online")
	}
}

func TestRefreshWithNothingSet(t *testing.T) {
	m := NewManager(func(ctx context.Context) (Credential, error) {
		t.Error("refreshFn must not run with nothing set")
		return Credential{}, nil
	}, nil, nil, nil, nil)

	if err := m.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestClearCancelsTimer(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return validCred(time.Hour), nil
	}, nil, nil, nil, nil)

	m.Set(Credential{
		AccessToken:   "tok",
		ExpiresAt:     time.Now().Add(40 * time.Millisecond),
		RefreshMargin: 20 * time.Millisecond,
	})
	m.Clear()

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("timer fired after Clear (%d calls)", calls.Load())
	}
}
