// Package errs defines the error taxonomy shared across MAS Core
// subsystems (§7 of the specification). Every subsystem classifies
// failures into one of these kinds so the scheduler, control-plane, and
// audit pipeline can apply a single, consistent propagation policy.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). Subsystems wrap these
// with Op/Kind/ID context using *CoreError rather than inventing new
// sentinels per package.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrApprovalRejected  = errors.New("approval rejected")
	ErrApprovalTimeout   = errors.New("approval timeout")
	ErrBackpressured     = errors.New("backpressured")
	ErrOverloaded        = errors.New("overloaded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimedOut          = errors.New("timed out")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("cancelled")
	ErrInternal          = errors.New("internal error")
	ErrUndeliverable     = errors.New("undeliverable")
	ErrNoCapableAgent    = errors.New("no capable agent")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
)

// CoreError carries structured context around a sentinel, following the
// teacher's FrameworkError: Op identifies the failing operation
// ("scheduler.submit"), Kind groups errors for dashboards/alerts, ID
// names the entity involved (task id, agent id, action id), and
// CorrelationID lets the control-plane echo the same id back to the
// caller that appears in the audit and task logs (§8, "same correlation
// id").
type CoreError struct {
	Op            string
	Kind          string
	ID            string
	CorrelationID string
	Err           error
	// RetryAfter is a Retry-After header value (seconds), set by
	// NewOverloaded for Overloaded responses (§7).
	RetryAfter string
}

func (e *CoreError) Error() string {
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *CoreError) Unwrap() error { return e.Err }

// New wraps a sentinel with operation/kind/id/correlation context.
func New(op, kind string, id string, correlationID string, err error) *CoreError {
	return &CoreError{Op: op, Kind: kind, ID: id, CorrelationID: correlationID, Err: err}
}

// Retryable reports whether the Scheduler (§4.5 step 5) should treat err
// as a retryable failure: transport, transient provider errors,
// Backpressured, or ProviderUnavailable.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackpressured) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTimedOut) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNoCapableAgent)
}

// Terminal reports whether err is non-retryable and should move a task
// straight to Failed or Cancelled (validation, policy rejection,
// cancellation).
func Terminal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrApprovalRejected) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrNotFound)
}

// RetryAfterHint formats a Retry-After header value (plain seconds,
// per RFC 7231) for Backpressured/Overloaded responses (§7).
func RetryAfterHint(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d", seconds)
}

// NewOverloaded builds the CoreError the Scheduler returns when the
// admission budget is exhausted (§4.5: "submit blocks up to a
// configured admission budget, then returns Overloaded with a
// Retry-After hint").
func NewOverloaded(op, id, correlationID string, retryAfterSeconds int) *CoreError {
	return &CoreError{
		Op: op, Kind: "overloaded", ID: id, CorrelationID: correlationID,
		Err: ErrOverloaded, RetryAfter: RetryAfterHint(retryAfterSeconds),
	}
}
