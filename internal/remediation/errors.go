package remediation

import (
	"errors"
	"fmt"
	"time"

	"github.com/msageha/fleetguard/internal/guard"
)

// Admission rejection codes.
const (
	CodeGuardViolation        = "guard_violation"
	CodeDryRunStale           = "dry_run_stale"
	CodeAlreadyRunning        = "already_running"
	CodeRateLimited           = "rate_limited"
	CodeCooldownActive        = "cooldown_active"
	CodeHostQueueFull         = "host_queue_full"
	CodeQueueFull             = "queue_full"
	CodeConfirmPhraseMismatch = "confirm_phrase_mismatch"
	CodeUnknownAction         = "unknown_action"
	CodeUnknownHost           = "unknown_host"
	CodeHostDisabled          = "host_disabled"
	CodeAutoTierObserve       = "auto_tier_observe"
)

// AdmissionError rejects a request before any run is created.
type AdmissionError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Violations []guard.Violation `json:"violations,omitempty"`
	// RetryAfter is set for rejections that clear on their own.
	RetryAfter time.Duration `json:"-"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *AdmissionError {
	return &AdmissionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsAdmission returns the AdmissionError in err's chain, if any.
func AsAdmission(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	ok := errors.As(err, &ae)
	return ae, ok
}

var (
	// ErrRunInFlight is returned when an operation needs a queued run but the
	// run is executing.
	ErrRunInFlight = errors.New("run is in flight")
	// ErrRunTerminal is returned for operations on finished runs.
	ErrRunTerminal = errors.New("run already finished")
	// ErrNotDeadLettered is returned by Replay for runs that are not in the DLQ.
	ErrNotDeadLettered = errors.New("run is not dead-lettered")
	// ErrNotPendingApproval is returned by Approve and Reject when the run
	// is not awaiting approval.
	ErrNotPendingApproval = errors.New("run is not pending approval")
	// ErrApprovalExpired is returned by Approve once the run outlived its
	// queue TTL.
	ErrApprovalExpired = errors.New("approval window expired")
	ErrMissingActor    = errors.New("actor is required")
)
