// Package store provides the durable, append-only per-session event log.
// Sequence numbers are assigned at persistence time, atomically per session,
// so a session's log is always contiguous and strictly increasing from 1.
package store

import (
	"context"
	"fmt"
	"time"
)

// Event is one discrete unit of session output. Events are immutable once
// their sequence number has been assigned.
type Event struct {
	SessionID string
	Seq       int64
	Channel   string
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// Store is the durable event log contract.
type Store interface {
	// Append assigns the next sequence number for the session, persists the
	// event, and returns the assigned seq. Concurrent appends for the same
	// session never produce gaps or duplicates.
	Append(ctx context.Context, sessionID string, ev Event) (int64, error)

	// Events returns all events with seq > afterSeq in ascending order.
	// An unknown session or an up-to-date afterSeq yields an empty slice,
	// not an error.
	Events(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)
}

// StorageError reports that the underlying medium failed. A failed append is
// fatal for that one event only; callers continue with subsequent events.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
