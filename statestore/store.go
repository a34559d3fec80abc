// Package statestore defines the persistence contract of the queue: the
// job model and the Store interface every backend implements. The engine
// depends only on this contract; SQL, document and in-memory backends
// must be indistinguishable to callers.
package statestore

import (
	"context"
	"encoding/json"
	"time"
)

// CreateJobParams describes a job insert. Leaving ChainID empty starts a
// new chain: the adapter generates the id and sets ChainID and (unless
// RootChainID is given) RootChainID to it.
type CreateJobParams struct {
	TypeName      string
	ChainTypeName string
	Input         json.RawMessage

	// RootChainID links a chain spawned by another job (blocker or
	// continuation) to its outermost producer. Empty means the new
	// chain is its own root.
	RootChainID string
	// ChainID places the job into an existing chain (continuation).
	ChainID string
	// OriginID is the job that caused this insert, nil for externally
	// started chains.
	OriginID *string

	Deduplication *Deduplication
	Schedule      *Schedule
}

// CreateJobResult reports the inserted or deduplicated job.
type CreateJobResult struct {
	Job *Job
	// Deduplicated is true when an existing job was returned instead of
	// inserting a new row.
	Deduplicated bool
}

// AddJobBlockersParams records blocker edges for a job, in order.
type AddJobBlockersParams struct {
	JobID             string
	BlockedByChainIDs []string
}

// AddJobBlockersResult reports the (possibly now blocked) job and which
// blocker chains are still incomplete.
type AddJobBlockersResult struct {
	Job                       *Job
	IncompleteBlockerChainIDs []string
}

// AcquireJobParams selects the next runnable job for a worker.
type AcquireJobParams struct {
	TypeNames []string
	// WorkerID and LeaseDuration establish the initial lease in the
	// same atomic step as the status flip, so a running job always has
	// a lease holder.
	WorkerID      string
	LeaseDuration time.Duration
}

// AcquireJobResult carries the acquired job and a hint that more jobs
// are immediately runnable, letting the dispatcher skip a poll.
type AcquireJobResult struct {
	Job     *Job
	HasMore bool
}

// RemoveExpiredJobLeaseParams selects one expired running job to reap.
type RemoveExpiredJobLeaseParams struct {
	TypeNames     []string
	IgnoredJobIDs []string
}

// Store is the persistence contract. Every mutation is atomic. Methods
// join the ambient transaction when the context carries one and run in
// their own unit of work otherwise, except where noted.
type Store interface {
	// RunInTransaction executes fn inside a unit of work, rolling back
	// when fn returns an error. Nested calls join the outer unit.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	// InTransaction reports whether ctx carries an open unit of work.
	InTransaction(ctx context.Context) bool

	// CreateJob inserts a job, or returns an existing one per the
	// deduplication rules: an existing (ChainID, OriginID) pair wins
	// first, then a Deduplication key match within scope and window.
	// Must be called inside a transaction.
	CreateJob(ctx context.Context, params CreateJobParams) (CreateJobResult, error)

	// AddJobBlockers records blocker edges and flips the job to blocked
	// when any blocker chain is not yet terminal. Must be called inside
	// a transaction.
	AddJobBlockers(ctx context.Context, params AddJobBlockersParams) (AddJobBlockersResult, error)

	// ScheduleBlockedJobs unblocks every job whose blockers are all
	// terminal now that the given chain is, returning the transitioned
	// jobs with ScheduledAt set to now.
	ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*Job, error)

	// GetJobChain returns the chain's first and latest job, or
	// ErrChainNotFound.
	GetJobChain(ctx context.Context, chainID string) (*JobChain, error)

	// GetJobBlockers returns the chains blocking a job, in the order
	// the edges were recorded.
	GetJobBlockers(ctx context.Context, jobID string) ([]*JobChain, error)

	// AcquireJob atomically claims the earliest-scheduled pending job
	// of the given types, flips it to running, increments its attempt
	// counter and takes the lease. Returns a nil Job when none is due.
	// Concurrent acquirers always see disjoint jobs.
	AcquireJob(ctx context.Context, params AcquireJobParams) (AcquireJobResult, error)

	// NextJobAvailableIn returns how long until the next pending job of
	// the given types becomes runnable. ok is false when there is none.
	NextJobAvailableIn(ctx context.Context, typeNames []string) (d time.Duration, ok bool, err error)

	// RenewJobLease extends the lease of a running job.
	RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// RescheduleJob returns a failed job to pending at the given time,
	// clearing the lease and recording the attempt error.
	RescheduleJob(ctx context.Context, jobID string, at time.Time, attemptError string) error

	// CompleteJob marks the job completed, storing the output and the
	// completing worker (nil for external completion). Must be called
	// inside a transaction.
	CompleteJob(ctx context.Context, jobID string, output json.RawMessage, workerID *string) error

	// RemoveExpiredJobLease reaps one running job whose lease expired,
	// flipping it back to pending. Returns nil when there is none.
	RemoveExpiredJobLease(ctx context.Context, params RemoveExpiredJobLeaseParams) (*Job, error)

	// GetExternalBlockers returns jobs outside the given root chain
	// trees holding blocker edges that point inside. A non-empty result
	// forbids deleting the trees.
	GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*Job, error)

	// DeleteJobsByRootChainIDs deletes every job and blocker edge in
	// the given trees.
	DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error

	// GetJobForUpdate reads a job with a row lock. Must be called
	// inside a transaction.
	GetJobForUpdate(ctx context.Context, jobID string) (*Job, error)

	// GetCurrentJobForUpdate reads the chain's latest job with a row
	// lock. Must be called inside a transaction.
	GetCurrentJobForUpdate(ctx context.Context, chainID string) (*Job, error)

	// IsTransient classifies an error from this store as retryable
	// (connection loss, serialization conflict) or not.
	IsTransient(err error) bool

	// MigrateToLatest brings the backing schema up to date. Idempotent.
	MigrateToLatest(ctx context.Context) error
}
