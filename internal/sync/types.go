package sync

import (
	"errors"
	"fmt"
)

// Direction defines the direction of synchronization for one entity type
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// Operation is the kind of entity mutation carried by a queue item or record
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Priority orders queue items within a dequeue: Critical drains first,
// FIFO within equal priority.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// String returns a human-readable priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Queue item status values
const (
	QueueStatusPending    = "pending"
	QueueStatusInProgress = "in_progress"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	QueueStatusCancelled  = "cancelled"
	QueueStatusConflict   = "conflict"
)

// ResolutionType defines how a conflict is resolved
type ResolutionType string

const (
	ResolutionLocalWins     ResolutionType = "local_wins"
	ResolutionRemoteWins    ResolutionType = "remote_wins"
	ResolutionLastWriteWins ResolutionType = "last_write_wins"
	ResolutionMerged        ResolutionType = "merged"
	ResolutionManual        ResolutionType = "manual"
	// ResolutionIgnored is an operator decision only, never a rule policy
	ResolutionIgnored ResolutionType = "ignored"
)

// Winner identifies which side a resolution picked
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerNone   Winner = ""
)

// ConnectionState of the HQ link as seen by a store
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// HealthLevel is the derived sync health of a store or the chain
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// ErrorKind classifies a sync failure. Transient failures are retried with
// backoff; validation failures are terminal for the record; exhausted means
// the retry budget ran out; lease_expired marks crashed-batch recovery.
type ErrorKind string

const (
	ErrTransient    ErrorKind = "transient"
	ErrValidation   ErrorKind = "validation"
	ErrExhausted    ErrorKind = "exhausted"
	ErrLeaseExpired ErrorKind = "lease_expired"
)

// SyncError wraps an underlying error with its taxonomy kind
type SyncError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure
func Transient(err error) error {
	return &SyncError{Kind: ErrTransient, Err: err}
}

// Validation wraps err as a non-retryable payload failure
func Validation(err error) error {
	return &SyncError{Kind: ErrValidation, Err: err}
}

// KindOf returns the taxonomy kind of err. Unclassified errors are treated
// as transient: the engine must never assume a failure is permanent without
// evidence.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrTransient
}

// IsValidation reports whether err is a non-retryable payload failure
func IsValidation(err error) bool {
	return KindOf(err) == ErrValidation
}
