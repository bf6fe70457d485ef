package flowsync

import "errors"

// Sentinel causes recorded on entries when a fetch is held back rather
// than attempted.
var (
	errOffline             = errors.New("engine is offline")
	errCredentialSuspended = errors.New("credential suspended")
)
