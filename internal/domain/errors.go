package domain

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Domain Errors
// Sentinels are compared with errors.Is; the typed errors below carry the
// context each layer needs and unwrap to their cause.
// -----------------------------------------------------------------------------

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidTurnKey = errors.New("invalid turn key")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict")
)

// InterceptionError reports a failure to attach capture hooks to a transport.
type InterceptionError struct {
	Op  string
	Err error
}

func (e *InterceptionError) Error() string {
	return fmt.Sprintf("interception error: %s: %v", e.Op, e.Err)
}

func (e *InterceptionError) Unwrap() error {
	return e.Err
}

// DecodeError reports a captured body that is malformed or truncated.
type DecodeError struct {
	RequestID string
	Reason    string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error [%s]: %s: %v", e.RequestID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error [%s]: %s", e.RequestID, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CorrelationErrorKind classifies correlation anomalies.
type CorrelationErrorKind string

const (
	CorrelationOrphanedResponse CorrelationErrorKind = "orphaned_response"
	CorrelationDuplicateRequest CorrelationErrorKind = "duplicate_request"
	CorrelationIndexRace        CorrelationErrorKind = "index_race"
)

// CorrelationError reports an anomaly resolved while correlating a session.
type CorrelationError struct {
	Kind      CorrelationErrorKind
	SessionID string
	RequestID string
	Err       error
}

func (e *CorrelationError) Error() string {
	msg := fmt.Sprintf("correlation error [%s] session=%s request=%s", e.Kind, e.SessionID, e.RequestID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorrelationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a storage failure. Transient failures (busy,
// locked, I/O) may be retried; everything else is permanent.
type PersistenceError struct {
	Op        string
	Entity    string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ReplayError reports an edit that cannot be applied to a stored request.
type ReplayError struct {
	InteractionID string
	Reason        string
	Err           error
}

func (e *ReplayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replay error [%s]: %s: %v", e.InteractionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("replay error [%s]: %s", e.InteractionID, e.Reason)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether err wraps a retryable PersistenceError.
func IsTransient(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
