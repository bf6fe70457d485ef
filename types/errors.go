package types

import (
	"errors"
	"fmt"
)

/*
This file defines the fetch error taxonomy.

The engine does not inspect HTTP status codes (it never sees HTTP). Instead
the transport wraps its failures in a FetchError with a Kind, and everything
downstream (retry, backoff, credential refresh, suspension) keys off the
Kind alone.
*/

// ErrorKind is the coarse classification of a fetch failure.
type ErrorKind string

const (
	// KindNetwork: no response reached the server at all. Retryable.
	KindNetwork ErrorKind = "network"

	// KindAuth: the credential was rejected (401-equivalent). Triggers one
	// credential refresh, then one retry of the original fetch.
	KindAuth ErrorKind = "auth"

	// KindServer: the server failed (5xx-equivalent). Retryable with
	// exponential backoff.
	KindServer ErrorKind = "server"

	// KindClient: the request itself was bad (4xx-equivalent, non-auth).
	// Not retried, surfaced as-is.
	KindClient ErrorKind = "client"

	// KindStorage: local persistence failed. Always swallowed; never
	// surfaced to the fetch caller.
	KindStorage ErrorKind = "storage"
)

// FetchError wraps a transport or storage failure with its Kind.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler may retry this failure on its
// own. Client errors need a changed request; auth errors go through the
// credential path instead.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// NetworkError wraps err as a network-class failure.
func NetworkError(err error) *FetchError { return &FetchError{Kind: KindNetwork, Err: err} }

// AuthError wraps err as an auth-class failure.
func AuthError(err error) *FetchError { return &FetchError{Kind: KindAuth, Err: err} }

// ServerError wraps err as a server-class failure.
func ServerError(err error) *FetchError { return &FetchError{Kind: KindServer, Err: err} }

// ClientError wraps err as a client-class failure.
func ClientError(err error) *FetchError { return &FetchError{Kind: KindClient, Err: err} }

// StorageError wraps err as a storage-class failure.
func StorageError(err error) *FetchError { return &FetchError{Kind: KindStorage, Err: err} }

/*
AsFetchError extracts the FetchError from an error chain.

Loaders that return plain errors (a net timeout, a decode failure) are
treated as network-class: the engine cannot know better, and network is the
only classification that keeps data flowing (retryable, non-fatal).
*/
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}

// IsAuth reports whether err is an auth-class failure anywhere in its chain.
func IsAuth(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindAuth
}
