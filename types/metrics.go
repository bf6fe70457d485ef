package types

// This file defines how the engine reports what it is doing.

/*
Metrics is the set of events the sync engine wants to measure.
Each method is one event in the engine lifecycle; the engine calls these
whenever something happens. Implementations must be safe for concurrent use.
*/
type Metrics interface {

	// Hit is called when a fetch is served from a fresh cache entry.
	Hit()

	// Miss is called when a fetch has to go to the transport.
	Miss()

	// Refetch is called when the polling scheduler triggers a refetch.
	Refetch()

	// StaleServed is called when stale data is served because the engine is
	// offline or the refetch failed.
	StaleServed()

	// Persist is called when a snapshot is written to local storage.
	Persist()

	// Evict is called when the sweep removes an over-age snapshot.
	Evict()

	// CredentialRefresh is called when a credential renewal starts.
	CredentialRefresh()
}

/*
NoopMetrics is a "do nothing" implementation of Metrics.

We don't want to force every user of the engine to implement metrics. If
someone does not care, the engine should still work without nil checks
everywhere, so this default implementation simply ignores all events.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()               {}
func (NoopMetrics) Miss()              {}
func (NoopMetrics) Refetch()           {}
func (NoopMetrics) StaleServed()       {}
func (NoopMetrics) Persist()           {}
func (NoopMetrics) Evict()             {}
func (NoopMetrics) CredentialRefresh() {}
