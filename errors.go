package fieldsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrStaleWrite is returned when a lead delta lost a conflict and the
	// client must re-fetch the current server state and re-apply locally.
	ErrStaleWrite = errors.New("stale write rejected")

	// ErrInvalidTransition is returned when a lead status change violates
	// the pipeline state machine. The stored record is left untouched.
	ErrInvalidTransition = errors.New("invalid lead status transition")

	// ErrRetryableSession is returned when a sync session fails partway
	// through its atomic apply. Nothing was recorded; resubmitting the
	// full batch is safe.
	ErrRetryableSession = errors.New("retryable session failure")

	// ErrCursorOutOfRange is returned when a client cursor refers to
	// sequence numbers the server has archived. The client must perform a
	// full resync from sequence zero.
	ErrCursorOutOfRange = errors.New("cursor out of range")

	// ErrSessionInProgress is returned when a duplicate submission arrives
	// while the original request is still being applied.
	ErrSessionInProgress = errors.New("submission already in progress")

	// ErrLeadNotFound is returned when a lead does not exist in the store.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrKnockNotFound is returned when a knock does not exist in the store.
	ErrKnockNotFound = errors.New("knock not found")

	// ErrVersionMismatch is returned by compare-and-set lead writes when the
	// stored version no longer matches the expected one.
	ErrVersionMismatch = errors.New("lead version mismatch")

	// ErrNoScorer is returned when coaching is requested but no scorer
	// capability is configured.
	ErrNoScorer = errors.New("no coaching scorer configured")
)

// SyncErrorType categorizes sync session errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeStale indicates the client delta lost against a newer
	// server version.
	SyncErrorTypeStale
	// SyncErrorTypeTransition indicates an invalid lead status transition.
	SyncErrorTypeTransition
	// SyncErrorTypeRetryable indicates a partial infrastructure failure;
	// the batch may be resubmitted as-is.
	SyncErrorTypeRetryable
	// SyncErrorTypeCursor indicates the client cursor is older than the
	// server's retention window.
	SyncErrorTypeCursor
	// SyncErrorTypeInProgress indicates a concurrent duplicate submission.
	SyncErrorTypeInProgress
)

// SyncError provides detailed information about sync failures. It carries
// the current server state where one exists so the caller can resolve the
// conflict deterministically instead of blindly retrying.
type SyncError struct {
	Type    SyncErrorType
	Message string
	LeadID  string
	// ServerLead is the authoritative lead state at rejection time, if the
	// error concerns a lead.
	ServerLead *Lead
	Cause      error
}

func (e *SyncError) Error() string {
	if e.LeadID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [lead %s]: %v", e.Message, e.LeadID, e.Cause)
		}
		return fmt.Sprintf("%s [lead %s]", e.Message, e.LeadID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeStale:
		return target == ErrStaleWrite
	case SyncErrorTypeTransition:
		return target == ErrInvalidTransition
	case SyncErrorTypeRetryable:
		return target == ErrRetryableSession
	case SyncErrorTypeCursor:
		return target == ErrCursorOutOfRange
	case SyncErrorTypeInProgress:
		return target == ErrSessionInProgress
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, leadID string, serverLead *Lead, cause error) *SyncError {
	return &SyncError{
		Type:       errType,
		Message:    message,
		LeadID:     leadID,
		ServerLead: serverLead,
		Cause:      cause,
	}
}
