package pidsync

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrUnknownSource is returned for a source id that was never registered.
var ErrUnknownSource = eris.New("pidsync: unknown source")

// ErrShutdown is returned by Trigger once Shutdown has been called.
var ErrShutdown = eris.New("pidsync: orchestrator is shut down")

// ConcurrentRunError is returned when the source already has an active
// run. Callers should not retry immediately.
type ConcurrentRunError struct {
	SourceID     string
	ActiveSyncID string
}

func (e *ConcurrentRunError) Error() string {
	if e.ActiveSyncID == "" {
		return fmt.Sprintf("pidsync: source %s already has an active sync run", e.SourceID)
	}
	return fmt.Sprintf("pidsync: source %s already has an active sync run %s", e.SourceID, e.ActiveSyncID)
}

// SourceUnavailableError aborts a run whose source could not be listed at
// all. The run is finalized as failed with no items processed.
type SourceUnavailableError struct {
	SourceID string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("pidsync: source %s unavailable: %v", e.SourceID, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// ItemTransientError records an item that kept failing with retryable
// errors until the retry budget ran out.
type ItemTransientError struct {
	ExternalID string
	PID        string
	Err        error
}

func (e *ItemTransientError) Error() string {
	return fmt.Sprintf("item %s: retries exhausted: %v", e.ExternalID, e.Err)
}

func (e *ItemTransientError) Unwrap() error { return e.Err }

// ItemValidationError records an item that failed with a non-retryable error.
type ItemValidationError struct {
	ExternalID string
	PID        string
	Err        error
}

func (e *ItemValidationError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ExternalID, e.Err)
}

func (e *ItemValidationError) Unwrap() error { return e.Err }
