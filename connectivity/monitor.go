// Package connectivity tracks whether the engine is allowed to touch the
// network at all.
package connectivity

import (
	"sync"
	"time"
)

// Snapshot is the current connectivity state. LastOnlineAt is zero if the
// monitor has never been online.
type Snapshot struct {
	IsOnline     bool
	LastOnlineAt time.Time
}

/*
Monitor holds the process-wide online/offline signal.

The engine core never detects connectivity itself. A platform adapter (a
browser shim, a netlink watcher, a health-check loop) observes the real
world and calls SetOnline; the monitor just records the transition and fans
it out.

Deliberately, a transition to online does NOT trigger refetches. The polling
scheduler and the facade consult IsOnline on their own schedule, so a
reconnect makes the NEXT tick proceed instead of bursting refetches from
many components at once.
*/
type Monitor struct {
	mu       sync.RWMutex
	online   bool
	lastUp   time.Time
	handlers map[int]func(Snapshot)
	nextID   int
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{
		online:   online,
		handlers: make(map[int]func(Snapshot)),
	}
	if online {
		m.lastUp = time.Now()
	}
	return m
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Snapshot returns the current state with the last-online timestamp.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{IsOnline: m.online, LastOnlineAt: m.lastUp}
}

// SetOnline records a transition. Redundant calls (online while already
// online) are ignored so handlers only see real edges.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		m.lastUp = time.Now()
	}
	snap := Snapshot{IsOnline: m.online, LastOnlineAt: m.lastUp}
	handlers := make([]func(Snapshot), 0, len(m.handlers))
	for _, fn := range m.handlers {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(snap)
	}
}

// OnChange registers fn for transitions and returns its cancel function.
// fn runs synchronously on the goroutine that called SetOnline.
func (m *Monitor) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}
