package logstore

import "errors"

var (
	// ErrCompacted is returned for an index that was purged into a snapshot.
	ErrCompacted = errors.New("logstore: requested index is compacted")
	// ErrUnavailable is returned for an index past the last entry.
	ErrUnavailable = errors.New("logstore: requested index is unavailable")
	// ErrUnknownEngine is returned by Open for an unsupported storage engine.
	ErrUnknownEngine = errors.New("logstore: unknown storage engine")
)
