package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownChangeKind = errors.New("unknown change kind")
	ErrMissingKey        = errors.New("missing key")
	ErrMissingEmail      = errors.New("email cannot be empty")
	ErrInvalidEmail      = errors.New("invalid email")
)

// ClassificationError reports a raw change record that cannot be classified.
// The record is malformed, so retrying it is never safe.
type ClassificationError struct {
	EventID   string
	EventName string
	Err       error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s event %s: %v", e.EventName, e.EventID, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// ReplicationFailed reports a transient failure that exhausted the retry
// budget. The event must stay on the feed so it is redelivered.
type ReplicationFailed struct {
	Key   string
	Kind  ChangeKind
	Cause error
}

func (e *ReplicationFailed) Error() string {
	return fmt.Sprintf("replicate %s %q: failed: %v", e.Kind, e.Key, e.Cause)
}

func (e *ReplicationFailed) Unwrap() error { return e.Cause }

// ReplicationRejected reports a permanent failure. The event is checkpointed
// and surfaced for manual inspection.
type ReplicationRejected struct {
	Key   string
	Kind  ChangeKind
	Cause error
}

func (e *ReplicationRejected) Error() string {
	return fmt.Sprintf("replicate %s %q: rejected: %v", e.Kind, e.Key, e.Cause)
}

func (e *ReplicationRejected) Unwrap() error { return e.Cause }
