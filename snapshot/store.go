/*
Package snapshot persists the last-known copy of each resource so the
dashboard can render something after a reload or while offline.

Persistence here is strictly best-effort. Snapshots can be evicted, writes
can fail, the medium can vanish; none of that is allowed to disturb the
primary fetch path. The worst outcome of a broken snapshot store is a cold
cache.
*/
package snapshot

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrQuotaExceeded is returned by Storage.SetItem when the medium is full.
var ErrQuotaExceeded = errors.New("snapshot: storage quota exceeded")

// PersistedSnapshot is the envelope written for each resource key.
type PersistedSnapshot struct {
	Key       string          `json:"-"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how old the snapshot is.
func (p *PersistedSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}

// Decode unmarshals the snapshot's data into out.
func (p *PersistedSnapshot) Decode(out any) error {
	return json.Unmarshal(p.Data, out)
}

/*
Store reads and writes PersistedSnapshots through a Storage.

Every engine key is stored under prefix+key so the sweep can tell the
engine's entries apart from whatever else shares the medium; foreign keys
are never read, written, or evicted.
*/
type Store struct {
	storage Storage
	prefix  string
	maxAge  time.Duration
	log     *slog.Logger
}

// NewStore wraps storage with the given key prefix and maximum snapshot
// age. A nil logger defaults to slog's global logger.
func NewStore(storage Storage, prefix string, maxAge time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{storage: storage, prefix: prefix, maxAge: maxAge, log: log}
}

// Read returns the persisted snapshot for key, or false if there is none or
// it cannot be decoded. A corrupt entry is removed on sight.
func (s *Store) Read(key string) (*PersistedSnapshot, bool) {
	raw, ok := s.storage.GetItem(s.prefix + key)
	if !ok {
		return nil, false
	}
	var snap PersistedSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.storage.RemoveItem(s.prefix + key)
		s.log.Warn("snapshot: dropping corrupt entry", "key", key, "err", err)
		return nil, false
	}
	snap.Key = key
	return &snap, true
}

/*
Write persists data under key with the current timestamp.

On a quota failure it runs one eviction sweep of over-age entries and
retries once. A second failure is swallowed and logged: persistence must
never block or fail the fetch that triggered it.
*/
func (s *Store) Write(key string, data any) {
	blob, err := json.Marshal(data)
	if err != nil {
		s.log.Warn("snapshot: value not serializable", "key", key, "err", err)
		return
	}
	envelope, err := json.Marshal(PersistedSnapshot{
		Data:      blob,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.log.Warn("snapshot: envelope marshal failed", "key", key, "err", err)
		return
	}

	if err := s.storage.SetItem(s.prefix+key, string(envelope)); err != nil {
		s.SweepExpired(s.maxAge)
		if err := s.storage.SetItem(s.prefix+key, string(envelope)); err != nil {
			s.log.Warn("snapshot: write failed after sweep", "key", key, "err", err)
		}
	}
}

// Remove deletes the snapshot for key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) {
	s.storage.RemoveItem(s.prefix + key)
}

/*
SweepExpired removes every engine-owned snapshot whose age exceeds maxAge
and returns how many were evicted.

Keys are collected before anything is removed; index-based enumeration over
a mutating Storage would skip entries otherwise.
*/
func (s *Store) SweepExpired(maxAge time.Duration) int {
	var mine []string
	for i := 0; i < s.storage.Length(); i++ {
		if k := s.storage.Key(i); strings.HasPrefix(k, s.prefix) {
			mine = append(mine, k)
		}
	}

	now := time.Now()
	evicted := 0
	for _, storageKey := range mine {
		raw, ok := s.storage.GetItem(storageKey)
		if !ok {
			continue
		}
		var snap PersistedSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			// Corrupt entries count as expired.
			s.storage.RemoveItem(storageKey)
			evicted++
			continue
		}
		if now.Sub(snap.Timestamp) > maxAge {
			s.storage.RemoveItem(storageKey)
			evicted++
		}
	}
	return evicted
}

// Keys lists the resource keys (prefix stripped) that currently have a
// persisted snapshot. Used for cold-start hydration.
func (s *Store) Keys() []string {
	var keys []string
	for i := 0; i < s.storage.Length(); i++ {
		if k := s.storage.Key(i); strings.HasPrefix(k, s.prefix) {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
	}
	return keys
}
