package types

import (
	"context"
	"time"
)

// EntryStatus describes where a cache entry is in its fetch lifecycle.
type EntryStatus string

const (
	// StatusIdle means the key has never been fetched. Data is nil.
	StatusIdle EntryStatus = "idle"

	// StatusFetching means a loader call for this key is in flight right now.
	StatusFetching EntryStatus = "fetching"

	// StatusFresh means Data was fetched recently enough to serve without a refetch.
	StatusFresh EntryStatus = "fresh"

	// StatusStale means Data is past its StaleAt deadline. It may still be
	// displayed, but the next access triggers a refetch.
	StatusStale EntryStatus = "stale"

	// StatusError means the last fetch failed. Data holds the last GOOD
	// value (possibly nil) and LastError holds what went wrong.
	StatusError EntryStatus = "error"
)

/*
CacheEntry is one cached resource.

Entries are owned exclusively by the resource cache and mutated only through
its fetch/invalidate operations. Callers always receive copies; the Data
field is shared by reference and must be treated as read-only.
*/
type CacheEntry struct {
	// Key identifies the resource. Keys are opaque strings composed by the
	// caller, e.g. "runs:payments-etl".
	Key string

	// Data is the last successfully fetched value, or nil if none yet.
	// A failed refetch does NOT clear this. Stale data beats no data.
	Data any

	// FetchedAt is when Data was last successfully loaded. Zero if never.
	FetchedAt time.Time

	// StaleAt is the moment this entry stops being servable as fresh.
	StaleAt time.Time

	Status EntryStatus

	// LastError records the most recent fetch failure. It is cleared on the
	// next successful fetch. Callers that only read Data can ignore it.
	LastError *FetchError
}

// IsFresh reports whether the entry can be served without a refetch.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return e.Data != nil && !e.StaleAt.IsZero() && now.Before(e.StaleAt)
}

// Age returns how old the entry's data is. The dashboard uses this for the
// "shown data is N seconds old" indicator while offline.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	if e.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(e.FetchedAt)
}

/*
ActivityTier is the coarse "how urgently should this be re-polled" category.

The caller classifies fetched data into one of these two tiers and the
scheduler maps the tier to a concrete interval. Keeping this a plain enum
(rather than letting callers hand back arbitrary durations) keeps the
polling policy in one place.
*/
type ActivityTier int

const (
	// TierSettled means every item in the resource has reached a terminal
	// state. Poll at the long interval.
	TierSettled ActivityTier = iota

	// TierActive means at least one item is still running, queued, or
	// otherwise in flight. Poll at the short interval.
	TierActive
)

func (t ActivityTier) String() string {
	if t == TierActive {
		return "active"
	}
	return "settled"
}

/*
Classifier maps freshly fetched data to an ActivityTier.

Classifiers must be deterministic and side-effect free: the engine may
evaluate one more than once per fetch (once to pick the entry's staleness
deadline, again when the scheduler re-arms).
*/
type Classifier func(data any) ActivityTier

// Listener receives a copy of a cache entry every time it changes.
type Listener func(CacheEntry)

/*
Loader is the abstract transport: it fetches one resource from wherever it
lives. The engine has no knowledge of HTTP methods, paths, or serialization;
that is the API client's responsibility.

The engine bounds every Loader call with a caller-configured timeout via
ctx; loaders should honor cancellation.
*/
type Loader func(ctx context.Context) (any, error)
