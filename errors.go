package chainq

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/chainq/statestore"
)

// ErrWorkerStopping is the cancellation cause delivered to in-flight
// attempts when their worker shuts down. The other two attempt
// cancellation causes are statestore.ErrJobAlreadyCompleted and
// statestore.ErrJobTakenByAnotherWorker.
var ErrWorkerStopping = errors.New("worker stopping")

// ValidationCode identifies why a job type validation failed.
type ValidationCode string

const (
	CodeUnknownType         ValidationCode = "unknown-type"
	CodeNotEntry            ValidationCode = "not-entry"
	CodeInputInvalid        ValidationCode = "input-invalid"
	CodeOutputInvalid       ValidationCode = "output-invalid"
	CodeContinuationInvalid ValidationCode = "continuation-invalid"
	CodeBlockerInvalid      ValidationCode = "blocker-invalid"
)

// TypeValidationError reports a producer-side validation failure.
// Nothing is persisted when it is returned.
type TypeValidationError struct {
	Code     ValidationCode
	TypeName string
	Err      error
}

func (e *TypeValidationError) Error() string {
	msg := fmt.Sprintf("job type %q: %s", e.TypeName, e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TypeValidationError) Unwrap() error { return e.Err }

// RescheduleError is returned (or wrapped) by a handler to reschedule
// the job on its own terms instead of the worker's backoff curve.
type RescheduleError struct {
	Schedule statestore.Schedule
	Err      error
}

func (e *RescheduleError) Error() string {
	if e.Err != nil {
		return "reschedule job: " + e.Err.Error()
	}
	return "reschedule job"
}

func (e *RescheduleError) Unwrap() error { return e.Err }

// RescheduleAfter builds a RescheduleError that retries after d.
func RescheduleAfter(d time.Duration, cause error) error {
	return &RescheduleError{Schedule: statestore.Schedule{After: d}, Err: cause}
}

// RescheduleAt builds a RescheduleError that retries at t.
func RescheduleAt(t time.Time, cause error) error {
	return &RescheduleError{Schedule: statestore.Schedule{At: t}, Err: cause}
}

// WaitTimeoutError reports that waiting for a chain ended before the
// chain became terminal. Reason is "timeout" or "aborted".
type WaitTimeoutError struct {
	ChainID string
	Reason  string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("waiting for job chain %s completion: %s", e.ChainID, e.Reason)
}

// ExternalBlockersError forbids deleting chain trees that other jobs
// still depend on.
type ExternalBlockersError struct {
	JobIDs []string
}

func (e *ExternalBlockersError) Error() string {
	return fmt.Sprintf("chain trees are blocking external jobs: %s", strings.Join(e.JobIDs, ", "))
}
