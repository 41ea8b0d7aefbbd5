package define

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnavailable        = errors.New("unavailable")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrLockNotAcquired    = errors.New("lock not acquired")
	ErrResolutionAborted  = errors.New("conflict resolution aborted")
	ErrStaleDataForbidden = errors.New("stale data not permitted")
	ErrAuthUnresolved     = errors.New("authentication could not be resolved")
)

// CircuitOpenError is returned without invoking the protected operation.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %v", e.Service, e.RetryAfter)
}

// TimeoutError marks a client-side deadline expiry, distinguishable from
// ordinary operation failures so degradation logic can branch on it.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Timestamp time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %v", e.Operation, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// VersionConflictError wraps the structured conflict for call sites that
// propagate errors instead of results.
type VersionConflictError struct {
	Conflict VersionConflict
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: expected %d, current %d",
		e.Conflict.UserId, e.Conflict.ExpectedVersion, e.Conflict.CurrentVersion)
}

// IdentityUpdateFailedError : the source-of-truth write failed; nothing to
// roll back, retryable.
type IdentityUpdateFailedError struct {
	UserId string
	Cause  error
}

func (e *IdentityUpdateFailedError) Error() string {
	return fmt.Sprintf("identity update failed for %s: %v", e.UserId, e.Cause)
}

func (e *IdentityUpdateFailedError) Unwrap() error { return e.Cause }

// CacheUpdateFailedError : the cache write failed after the source of truth
// was mutated; a rollback has been attempted and its outcome attached.
type CacheUpdateFailedError struct {
	UserId   string
	Cause    error
	Rollback *RollbackPhase
}

func (e *CacheUpdateFailedError) Error() string {
	return fmt.Sprintf("cache update failed for %s: %v", e.UserId, e.Cause)
}

func (e *CacheUpdateFailedError) Unwrap() error { return e.Cause }

// RollbackFailedError signals a confirmed inconsistency between the two
// stores. Not retryable; requires operator attention.
type RollbackFailedError struct {
	UserId       string
	OperationId  string
	PreviousRole string
	Cause        error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed for %s (op %s), stores are inconsistent: %v",
		e.UserId, e.OperationId, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error { return e.Cause }

// Retryable classifies the taxonomy for callers deciding whether to retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		co *CircuitOpenError
		vc *VersionConflictError
		te *TimeoutError
		iu *IdentityUpdateFailedError
		cu *CacheUpdateFailedError
		rb *RollbackFailedError
	)
	switch {
	case errors.As(err, &rb):
		return false
	case errors.As(err, &co), errors.As(err, &vc), errors.As(err, &te),
		errors.As(err, &iu), errors.As(err, &cu):
		return true
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUnavailable):
		return true
	}
	return false
}
