package harvest

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Domain error taxonomy. Match with errors.Is; wrap with errors.Wrap or fmt.Errorf("%w").
var (
	// ErrAccountAuthInvalid means the account's session was rejected. Fatal for the account.
	ErrAccountAuthInvalid = errors.WithHint(errors.New("account authentication invalid"), "reconnect account")
	// ErrRateLimited means the upstream throttled or challenged the account.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientNetwork covers timeouts, 5xx responses and connection failures.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrConfigInvalid is raised at launch when a job cannot start.
	ErrConfigInvalid = errors.New("invalid job configuration")
	// ErrClassificationUnavailable is recovered by falling back to rule mode.
	ErrClassificationUnavailable = errors.New("classification capability unavailable")
	// ErrJobAlreadyRunning is returned by launch on an active job.
	ErrJobAlreadyRunning = errors.New("job already running")
	// ErrBusy means the account already has an outstanding lease or is cooling down.
	ErrBusy = errors.New("account busy")
	// ErrLeaseLost means the lease was revoked during extraction.
	ErrLeaseLost = errors.New("account lease lost")
	// ErrRetriesExhausted means transient failures outlasted the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotFound is returned by stores for unknown identities.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by stores on duplicate identities.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStateConflict means a conditional job transition lost its race.
	ErrStateConflict = errors.New("job state conflict")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// RetryLater asks the worker to requeue a unit after a delay instead of failing it.
type RetryLater struct {
	After time.Duration
	Cause error
}

func (r *RetryLater) Error() string {
	if r.Cause == nil {
		return fmt.Sprintf("retry after %s", r.After)
	}
	return fmt.Sprintf("retry after %s: %v", r.After, r.Cause)
}

func (r *RetryLater) Unwrap() error {
	return r.Cause
}

// Later wraps cause in a RetryLater.
func Later(after time.Duration, cause error) error {
	return &RetryLater{After: after, Cause: cause}
}

// AsRetryLater extracts a RetryLater from err.
func AsRetryLater(err error) (*RetryLater, bool) {
	var rl *RetryLater
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Hint returns the user-facing hints attached to err, joined.
func Hint(err error) string {
	return errors.FlattenHints(err)
}

// UserMessage renders err with its hints for display in a job's last_error.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if hint := Hint(err); hint != "" {
		return err.Error() + ": " + hint
	}
	return err.Error()
}

// CodeFor maps a fatal error to the job error code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAccountAuthInvalid):
		return CodeAccountAuthInvalid
	case errors.Is(err, ErrConfigInvalid):
		return CodeConfigInvalid
	default:
		return CodeNone
	}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.IsAny(err, ErrTransientNetwork, ErrRateLimited, ErrBusy)
}
