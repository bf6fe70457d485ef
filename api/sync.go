package api

import (
	"context"

	"github.com/flowboard/flowsync/connectivity"
	"github.com/flowboard/flowsync/credential"
	"github.com/flowboard/flowsync/types"
)

/*
Syncer is the PUBLIC surface of the synchronization engine.

This is the contract the UI codes against. Everything behind it (staleness
bookkeeping, fetch deduplication, offline fallback, polling cadence,
credential renewal) is hidden; the UI only ever asks for data, subscribes
to changes, and reads status signals.
*/
type Syncer interface {

	/*
		Fetch returns the data for key.

		BEHAVIOR:
		---------
		1. Entry fresh: served from memory, no transport call.
		2. Entry stale or unseen, online, credential valid:
		   - One loader call at most, shared by every concurrent
		     caller of the same key
		   - Result cached, persisted, fanned out to subscribers
		3. Offline or credential suspended:
		   - Last-known data served with Stale status
		4. Load failed with previous data present:
		   - Previous data returned, error recorded on the entry

		The error return is non-nil only when there is nothing at all
		to show for key.
	*/
	Fetch(ctx context.Context, key string, loader types.Loader, classifier types.Classifier) (any, error)

	// Get returns the current entry synchronously; Idle if unseen. It
	// never triggers a fetch.
	Get(key string) types.CacheEntry

	// Invalidate forces the next Fetch of key to hit the transport.
	// Cached data is kept until then, so nothing flickers.
	Invalidate(key string)

	// Subscribe registers a listener for key's entry changes and returns
	// its cancel function. Polling for a key stops when its last
	// listener cancels.
	Subscribe(key string, listener types.Listener) func()

	// Connectivity reports the current online/offline state.
	Connectivity() connectivity.Snapshot

	// CredentialStatus reports where the credential is in its lifecycle.
	CredentialStatus() credential.State

	// Close cancels every timer and releases the engine. In-flight
	// fetches resolve without observable effect.
	Close()
}
