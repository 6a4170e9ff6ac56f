package idempotency

import (
	"context"
	"time"
)

const (
	// KeyHeader carries the caller supplied idempotency key.
	KeyHeader = "x-idempotency-key"
	// ResponseHeader is set to "true" only on replayed responses.
	ResponseHeader = "x-idempotency-response"
)

type EntryState int

const (
	EntryReserved EntryState = iota + 1
	EntryCompleted
)

func (s EntryState) String() string {
	switch s {
	case EntryReserved:
		return "reserved"
	case EntryCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// CachedResponse is the replay payload captured from the single successful execution.
type CachedResponse struct {
	StatusCode int               `json:"status_code"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers"`
}

// Entry is what a key holds: a placeholder while the operation runs, then the final response.
type Entry struct {
	State    EntryState
	Response CachedResponse
}

func (e Entry) Completed() bool {
	return e.State == EntryCompleted
}

// Store is the key store gateway shared by every request handling goroutine.
// Implementations must be safe for concurrent use and must make Reserve a
// linearizable set-if-absent across every participating process.
type Store interface {
	// Reserve creates a placeholder for key iff no live entry exists.
	// Returns ErrAlreadyReserved when the key is present, reserved or completed.
	Reserve(ctx context.Context, key string, ttl time.Duration) error
	// Complete overwrites the entry with the final response and restarts its ttl.
	Complete(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error
	// Lookup reads the entry without blocking. found is false when absent or expired.
	Lookup(ctx context.Context, key string) (entry Entry, found bool, err error)
}
