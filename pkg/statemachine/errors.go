package statemachine

import "errors"

var (
	// ErrNotReady is returned by Apply before Recover finished.
	ErrNotReady = errors.New("statemachine: not recovered")
	// ErrSnapshotOutOfDate rejects a snapshot that would move the applied index back.
	ErrSnapshotOutOfDate = errors.New("statemachine: snapshot is older than applied state")
	// ErrMarkerMismatch is returned when the install marker does not match the snapshot.
	ErrMarkerMismatch = errors.New("statemachine: snapshot marker mismatch")
)
