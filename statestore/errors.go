package statestore

import "errors"

// Ownership and lookup errors shared by every backend. The attempt
// runner treats the first three as "the job is no longer ours" and exits
// without rescheduling.
var (
	ErrJobNotFound             = errors.New("job not found")
	ErrChainNotFound           = errors.New("job chain not found")
	ErrJobAlreadyCompleted     = errors.New("job already completed")
	ErrJobTakenByAnotherWorker = errors.New("job taken by another worker")

	// ErrNotInTransaction is returned by operations that require an
	// ambient transaction when called without one.
	ErrNotInTransaction = errors.New("operation requires a transaction")
)

// IsOwnershipLost reports whether err means the caller no longer owns
// the job and must not touch it again.
func IsOwnershipLost(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrJobAlreadyCompleted) ||
		errors.Is(err, ErrJobTakenByAnotherWorker)
}
