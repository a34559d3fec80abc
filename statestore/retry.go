package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rezkam/chainq/internal/backoff"
)

// RetryOptions configures the transient-retry decorator.
type RetryOptions struct {
	Attempts int // total tries per call, default 3
	Backoff  backoff.Config
}

// DefaultRetryOptions returns the decorator defaults: 3 attempts with a
// short geometric delay.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts: 3,
		Backoff: backoff.Config{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
		},
	}
}

// WithRetry decorates a Store so that transient failures (per the
// store's own IsTransient predicate) are retried with capped geometric
// backoff. Calls made inside an ambient transaction are passed through
// untouched: a statement cannot be retried independently of its
// transaction, so only whole RunInTransaction units retry.
func WithRetry(store Store, opts RetryOptions) Store {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultRetryOptions().Attempts
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff = DefaultRetryOptions().Backoff
	}
	return &retryingStore{inner: store, opts: opts}
}

type retryingStore struct {
	inner Store
	opts  RetryOptions
}

func (s *retryingStore) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inner.InTransaction(ctx) {
		return fn(ctx)
	}
	return backoff.Retry(ctx, s.opts.Attempts, s.opts.Backoff, s.inner.IsTransient, fn)
}

func (s *retryingStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inner.InTransaction(ctx) {
		return s.inner.RunInTransaction(ctx, fn)
	}
	return backoff.Retry(ctx, s.opts.Attempts, s.opts.Backoff, s.inner.IsTransient, func(ctx context.Context) error {
		return s.inner.RunInTransaction(ctx, fn)
	})
}

func (s *retryingStore) InTransaction(ctx context.Context) bool { return s.inner.InTransaction(ctx) }

func (s *retryingStore) CreateJob(ctx context.Context, params CreateJobParams) (CreateJobResult, error) {
	var res CreateJobResult
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.inner.CreateJob(ctx, params)
		return err
	})
	return res, err
}

func (s *retryingStore) AddJobBlockers(ctx context.Context, params AddJobBlockersParams) (AddJobBlockersResult, error) {
	var res AddJobBlockersResult
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.inner.AddJobBlockers(ctx, params)
		return err
	})
	return res, err
}

func (s *retryingStore) ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*Job, error) {
	var jobs []*Job
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		jobs, err = s.inner.ScheduleBlockedJobs(ctx, blockedByChainID)
		return err
	})
	return jobs, err
}

func (s *retryingStore) GetJobChain(ctx context.Context, chainID string) (*JobChain, error) {
	var chain *JobChain
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		chain, err = s.inner.GetJobChain(ctx, chainID)
		return err
	})
	return chain, err
}

func (s *retryingStore) GetJobBlockers(ctx context.Context, jobID string) ([]*JobChain, error) {
	var chains []*JobChain
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		chains, err = s.inner.GetJobBlockers(ctx, jobID)
		return err
	})
	return chains, err
}

func (s *retryingStore) AcquireJob(ctx context.Context, params AcquireJobParams) (AcquireJobResult, error) {
	var res AcquireJobResult
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.inner.AcquireJob(ctx, params)
		return err
	})
	return res, err
}

func (s *retryingStore) NextJobAvailableIn(ctx context.Context, typeNames []string) (time.Duration, bool, error) {
	var (
		d  time.Duration
		ok bool
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		d, ok, err = s.inner.NextJobAvailableIn(ctx, typeNames)
		return err
	})
	return d, ok, err
}

func (s *retryingStore) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.RenewJobLease(ctx, jobID, workerID, leaseDuration)
	})
}

func (s *retryingStore) RescheduleJob(ctx context.Context, jobID string, at time.Time, attemptError string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.RescheduleJob(ctx, jobID, at, attemptError)
	})
}

func (s *retryingStore) CompleteJob(ctx context.Context, jobID string, output json.RawMessage, workerID *string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.CompleteJob(ctx, jobID, output, workerID)
	})
}

func (s *retryingStore) RemoveExpiredJobLease(ctx context.Context, params RemoveExpiredJobLeaseParams) (*Job, error) {
	var job *Job
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		job, err = s.inner.RemoveExpiredJobLease(ctx, params)
		return err
	})
	return job, err
}

func (s *retryingStore) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*Job, error) {
	var jobs []*Job
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		jobs, err = s.inner.GetExternalBlockers(ctx, rootChainIDs)
		return err
	})
	return jobs, err
}

func (s *retryingStore) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.DeleteJobsByRootChainIDs(ctx, rootChainIDs)
	})
}

func (s *retryingStore) GetJobForUpdate(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		job, err = s.inner.GetJobForUpdate(ctx, jobID)
		return err
	})
	return job, err
}

func (s *retryingStore) GetCurrentJobForUpdate(ctx context.Context, chainID string) (*Job, error) {
	var job *Job
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		job, err = s.inner.GetCurrentJobForUpdate(ctx, chainID)
		return err
	})
	return job, err
}

func (s *retryingStore) IsTransient(err error) bool { return s.inner.IsTransient(err) }

func (s *retryingStore) MigrateToLatest(ctx context.Context) error {
	return s.retry(ctx, s.inner.MigrateToLatest)
}
