package model

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing means the user never authorized access. Fatal for
	// the run; the user must connect their account.
	ErrCredentialMissing = errors.New("credential missing")

	// ErrReauthRequired means the refresh grant was revoked or expired. Fatal
	// for the run; surfaced out of band, never silently retried.
	ErrReauthRequired = errors.New("reauthorization required")

	// ErrNoActiveSources means the user has no active monitored sources.
	// Incomplete configuration: the run is skipped, not failed.
	ErrNoActiveSources = errors.New("no active monitored sources")
)

// AnalysisError wraps a transient annotation/clustering/synthesis provider
// failure. Always has a deterministic fallback; never fatal.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s failed: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// PersistenceError wraps a Stage 3 write failure. Fatal for the run; retried
// naturally on the next pass because the digest store is idempotent per day.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
