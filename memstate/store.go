// Package memstate is the reference in-memory implementation of the
// statestore contract. It exists for tests and as executable
// documentation of the persistence semantics; production deployments
// use a database-backed store.
//
// A single mutex serializes all units of work, which trivially provides
// the "serializable-enough" isolation the contract asks for. Rollback is
// implemented by snapshotting state when a transaction opens.
package memstate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/chainq/internal/clock"
	"github.com/rezkam/chainq/statestore"
)

type txKey struct{}

type edge struct {
	jobID            string
	blockedByChainID string
	pos              int
}

// Store is an in-memory statestore.Store.
type Store struct {
	mu      sync.Mutex
	clk     clock.Clock
	jobs    map[string]*statestore.Job
	seq     map[string]int64 // insertion order, drives "latest" and dedup recency
	nextSeq int64
	edges   []edge
}

var _ statestore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock, letting tests control scheduling time.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clk = clk }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clk:  clock.System{},
		jobs: make(map[string]*statestore.Job),
		seq:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time { return s.clk.Now() }

type snapshot struct {
	jobs    map[string]*statestore.Job
	seq     map[string]int64
	nextSeq int64
	edges   []edge
}

func (s *Store) snapshot() snapshot {
	jobs := make(map[string]*statestore.Job, len(s.jobs))
	for id, j := range s.jobs {
		jobs[id] = j.Clone()
	}
	seq := make(map[string]int64, len(s.seq))
	for id, n := range s.seq {
		seq[id] = n
	}
	return snapshot{
		jobs:    jobs,
		seq:     seq,
		nextSeq: s.nextSeq,
		edges:   append([]edge(nil), s.edges...),
	}
}

func (s *Store) restore(snap snapshot) {
	s.jobs = snap.jobs
	s.seq = snap.seq
	s.nextSeq = snap.nextSeq
	s.edges = snap.edges
}

// RunInTransaction serializes the unit of work under the store mutex.
// Nested calls join the outer unit; an error from fn rolls every change
// in the unit back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTransaction(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	err := fn(context.WithValue(ctx, txKey{}, s))
	if err != nil {
		s.restore(snap)
	}
	return err
}

func (s *Store) InTransaction(ctx context.Context) bool {
	v, ok := ctx.Value(txKey{}).(*Store)
	return ok && v == s
}

// lock takes the store mutex unless ctx already runs inside a
// transaction (which holds it for the whole unit).
func (s *Store) lock(ctx context.Context) func() {
	if s.InTransaction(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) requireTx(ctx context.Context, op string) error {
	if !s.InTransaction(ctx) {
		return fmt.Errorf("%s: %w", op, statestore.ErrNotInTransaction)
	}
	return nil
}

func (s *Store) insertSeq(id string) {
	s.nextSeq++
	s.seq[id] = s.nextSeq
}

// latestInChain returns the most recently created job of a chain, nil
// when the chain has no jobs. Callers hold the mutex.
func (s *Store) latestInChain(chainID string) *statestore.Job {
	var (
		latest *statestore.Job
		best   int64 = -1
	)
	for id, j := range s.jobs {
		if j.ChainID == chainID && s.seq[id] > best {
			best = s.seq[id]
			latest = j
		}
	}
	return latest
}

func (s *Store) chainTerminal(chainID string) bool {
	latest := s.latestInChain(chainID)
	return latest != nil && latest.Status == statestore.StatusCompleted
}

func (s *Store) CreateJob(ctx context.Context, params statestore.CreateJobParams) (statestore.CreateJobResult, error) {
	if err := s.requireTx(ctx, "CreateJob"); err != nil {
		return statestore.CreateJobResult{}, err
	}

	// Continuation idempotency: a retried complete phase finds the job
	// it already inserted by its (chain, origin) pair.
	if params.ChainID != "" && params.OriginID != nil {
		for _, j := range s.jobs {
			if j.ChainID == params.ChainID && j.OriginID != nil && *j.OriginID == *params.OriginID {
				return statestore.CreateJobResult{Job: j.Clone(), Deduplicated: true}, nil
			}
		}
	}

	now := s.now()

	if d := params.Deduplication; d != nil && d.Key != "" {
		var (
			match *statestore.Job
			best  int64 = -1
		)
		for id, j := range s.jobs {
			if !j.FirstOfChain() || j.DeduplicationKey == nil || *j.DeduplicationKey != d.Key {
				continue
			}
			if d.Scope != statestore.DedupAny && j.Status == statestore.StatusCompleted {
				continue
			}
			if !d.WindowAdmits(j.CreatedAt, now) {
				continue
			}
			if s.seq[id] > best {
				best = s.seq[id]
				match = j
			}
		}
		if match != nil {
			return statestore.CreateJobResult{Job: match.Clone(), Deduplicated: true}, nil
		}
	}

	id := uuid.NewString()
	chainID := params.ChainID
	if chainID == "" {
		chainID = id
	}
	rootChainID := params.RootChainID
	if rootChainID == "" {
		rootChainID = chainID
	}

	job := &statestore.Job{
		ID:            id,
		TypeName:      params.TypeName,
		ChainID:       chainID,
		ChainTypeName: params.ChainTypeName,
		RootChainID:   rootChainID,
		OriginID:      params.OriginID,
		Input:         params.Input,
		Status:        statestore.StatusPending,
		CreatedAt:     now,
		ScheduledAt:   params.Schedule.ResolveAt(now),
	}
	if params.Deduplication != nil && params.Deduplication.Key != "" && job.FirstOfChain() {
		key := params.Deduplication.Key
		job.DeduplicationKey = &key
	}
	s.jobs[id] = job
	s.insertSeq(id)
	return statestore.CreateJobResult{Job: job.Clone()}, nil
}

func (s *Store) AddJobBlockers(ctx context.Context, params statestore.AddJobBlockersParams) (statestore.AddJobBlockersResult, error) {
	if err := s.requireTx(ctx, "AddJobBlockers"); err != nil {
		return statestore.AddJobBlockersResult{}, err
	}
	job, ok := s.jobs[params.JobID]
	if !ok {
		return statestore.AddJobBlockersResult{}, statestore.ErrJobNotFound
	}

	pos := 0
	for _, e := range s.edges {
		if e.jobID == params.JobID && e.pos >= pos {
			pos = e.pos + 1
		}
	}

	var incomplete []string
	for _, chainID := range params.BlockedByChainIDs {
		if s.hasEdge(params.JobID, chainID) {
			continue
		}
		s.edges = append(s.edges, edge{jobID: params.JobID, blockedByChainID: chainID, pos: pos})
		pos++
		if !s.chainTerminal(chainID) {
			incomplete = append(incomplete, chainID)
		}
	}

	if len(incomplete) > 0 && job.Status == statestore.StatusPending {
		job.Status = statestore.StatusBlocked
	}
	return statestore.AddJobBlockersResult{Job: job.Clone(), IncompleteBlockerChainIDs: incomplete}, nil
}

func (s *Store) hasEdge(jobID, blockedByChainID string) bool {
	for _, e := range s.edges {
		if e.jobID == jobID && e.blockedByChainID == blockedByChainID {
			return true
		}
	}
	return false
}

func (s *Store) ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*statestore.Job, error) {
	unlock := s.lock(ctx)
	defer unlock()

	now := s.now()
	var unblocked []*statestore.Job
	for _, e := range s.edges {
		if e.blockedByChainID != blockedByChainID {
			continue
		}
		job, ok := s.jobs[e.jobID]
		if !ok || job.Status != statestore.StatusBlocked {
			continue
		}
		if !s.allBlockersTerminal(e.jobID) {
			continue
		}
		job.Status = statestore.StatusPending
		job.ScheduledAt = now
		unblocked = append(unblocked, job.Clone())
	}
	return unblocked, nil
}

func (s *Store) allBlockersTerminal(jobID string) bool {
	for _, e := range s.edges {
		if e.jobID == jobID && !s.chainTerminal(e.blockedByChainID) {
			return false
		}
	}
	return true
}

func (s *Store) GetJobChain(ctx context.Context, chainID string) (*statestore.JobChain, error) {
	unlock := s.lock(ctx)
	defer unlock()
	return s.getChain(chainID)
}

func (s *Store) getChain(chainID string) (*statestore.JobChain, error) {
	root, ok := s.jobs[chainID]
	if !ok || !root.FirstOfChain() {
		return nil, statestore.ErrChainNotFound
	}
	latest := s.latestInChain(chainID)
	return &statestore.JobChain{Root: root.Clone(), Latest: latest.Clone()}, nil
}

func (s *Store) GetJobBlockers(ctx context.Context, jobID string) ([]*statestore.JobChain, error) {
	unlock := s.lock(ctx)
	defer unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, statestore.ErrJobNotFound
	}
	var mine []edge
	for _, e := range s.edges {
		if e.jobID == jobID {
			mine = append(mine, e)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].pos < mine[j].pos })

	chains := make([]*statestore.JobChain, 0, len(mine))
	for _, e := range mine {
		chain, err := s.getChain(e.blockedByChainID)
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

func (s *Store) AcquireJob(ctx context.Context, params statestore.AcquireJobParams) (statestore.AcquireJobResult, error) {
	unlock := s.lock(ctx)
	defer unlock()

	if len(params.TypeNames) == 0 {
		return statestore.AcquireJobResult{}, nil
	}
	now := s.now()
	candidates := s.runnableJobs(params.TypeNames, now)
	if len(candidates) == 0 {
		return statestore.AcquireJobResult{}, nil
	}

	job := candidates[0]
	job.Status = statestore.StatusRunning
	job.Attempt++
	worker := params.WorkerID
	until := now.Add(params.LeaseDuration)
	job.LeasedBy = &worker
	job.LeasedUntil = &until
	return statestore.AcquireJobResult{Job: job.Clone(), HasMore: len(candidates) > 1}, nil
}

// runnableJobs returns pending due jobs of the given types ordered by
// ScheduledAt then insertion. Callers hold the mutex.
func (s *Store) runnableJobs(typeNames []string, now time.Time) []*statestore.Job {
	var out []*statestore.Job
	for _, j := range s.jobs {
		if j.Status != statestore.StatusPending {
			continue
		}
		if !slices.Contains(typeNames, j.TypeName) {
			continue
		}
		if j.ScheduledAt.After(now) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[k].ScheduledAt)
		}
		return s.seq[out[i].ID] < s.seq[out[k].ID]
	})
	return out
}

func (s *Store) NextJobAvailableIn(ctx context.Context, typeNames []string) (time.Duration, bool, error) {
	unlock := s.lock(ctx)
	defer unlock()

	now := s.now()
	var (
		found bool
		best  time.Duration
	)
	for _, j := range s.jobs {
		if j.Status != statestore.StatusPending || !slices.Contains(typeNames, j.TypeName) {
			continue
		}
		d := j.ScheduledAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if !found || d < best {
			found = true
			best = d
		}
	}
	return best, found, nil
}

func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	unlock := s.lock(ctx)
	defer unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return statestore.ErrJobNotFound
	}
	if job.Status == statestore.StatusCompleted {
		return statestore.ErrJobAlreadyCompleted
	}
	// A reaped job is pending again; the old holder must not steal it
	// back through a late renewal.
	if job.Status != statestore.StatusRunning {
		return statestore.ErrJobTakenByAnotherWorker
	}
	if job.LeasedBy != nil && *job.LeasedBy != workerID {
		return statestore.ErrJobTakenByAnotherWorker
	}
	until := s.now().Add(leaseDuration)
	job.LeasedBy = &workerID
	job.LeasedUntil = &until
	return nil
}

func (s *Store) RescheduleJob(ctx context.Context, jobID string, at time.Time, attemptError string) error {
	unlock := s.lock(ctx)
	defer unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return statestore.ErrJobNotFound
	}
	if job.Status == statestore.StatusCompleted {
		return statestore.ErrJobAlreadyCompleted
	}
	now := s.now()
	job.Status = statestore.StatusPending
	job.ScheduledAt = at
	job.LastAttemptAt = &now
	job.LastAttemptError = &attemptError
	job.LeasedBy = nil
	job.LeasedUntil = nil
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, output json.RawMessage, workerID *string) error {
	if err := s.requireTx(ctx, "CompleteJob"); err != nil {
		return err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return statestore.ErrJobNotFound
	}
	if job.Status == statestore.StatusCompleted {
		return statestore.ErrJobAlreadyCompleted
	}
	now := s.now()
	job.Status = statestore.StatusCompleted
	job.Output = output
	job.CompletedAt = &now
	job.CompletedBy = workerID
	job.LeasedBy = nil
	job.LeasedUntil = nil
	return nil
}

func (s *Store) RemoveExpiredJobLease(ctx context.Context, params statestore.RemoveExpiredJobLeaseParams) (*statestore.Job, error) {
	unlock := s.lock(ctx)
	defer unlock()

	now := s.now()
	for _, j := range s.jobs {
		if j.Status != statestore.StatusRunning {
			continue
		}
		if !slices.Contains(params.TypeNames, j.TypeName) {
			continue
		}
		if slices.Contains(params.IgnoredJobIDs, j.ID) {
			continue
		}
		if j.LeasedUntil == nil || j.LeasedUntil.After(now) {
			continue
		}
		j.Status = statestore.StatusPending
		j.LeasedBy = nil
		j.LeasedUntil = nil
		return j.Clone(), nil
	}
	return nil, nil
}

func (s *Store) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*statestore.Job, error) {
	unlock := s.lock(ctx)
	defer unlock()

	roots := make(map[string]struct{}, len(rootChainIDs))
	for _, id := range rootChainIDs {
		roots[id] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []*statestore.Job
	for _, e := range s.edges {
		target, ok := s.jobs[e.blockedByChainID]
		if !ok {
			continue
		}
		if _, inside := roots[target.RootChainID]; !inside {
			continue
		}
		holder, ok := s.jobs[e.jobID]
		if !ok {
			continue
		}
		if _, inside := roots[holder.RootChainID]; inside {
			continue
		}
		if _, dup := seen[holder.ID]; dup {
			continue
		}
		seen[holder.ID] = struct{}{}
		out = append(out, holder.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	unlock := s.lock(ctx)
	defer unlock()

	roots := make(map[string]struct{}, len(rootChainIDs))
	for _, id := range rootChainIDs {
		roots[id] = struct{}{}
	}
	deletedChains := make(map[string]struct{})
	for id, j := range s.jobs {
		if _, ok := roots[j.RootChainID]; ok {
			deletedChains[j.ChainID] = struct{}{}
			delete(s.jobs, id)
			delete(s.seq, id)
		}
	}
	kept := s.edges[:0]
	for _, e := range s.edges {
		if _, ok := s.jobs[e.jobID]; !ok {
			continue
		}
		if _, deleted := deletedChains[e.blockedByChainID]; deleted {
			continue
		}
		kept = append(kept, e)
	}
	s.edges = kept
	return nil
}

func (s *Store) GetJobForUpdate(ctx context.Context, jobID string) (*statestore.Job, error) {
	if err := s.requireTx(ctx, "GetJobForUpdate"); err != nil {
		return nil, err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, statestore.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetCurrentJobForUpdate(ctx context.Context, chainID string) (*statestore.Job, error) {
	if err := s.requireTx(ctx, "GetCurrentJobForUpdate"); err != nil {
		return nil, err
	}
	latest := s.latestInChain(chainID)
	if latest == nil {
		return nil, statestore.ErrChainNotFound
	}
	return latest.Clone(), nil
}

// IsTransient always reports false: memory operations cannot fail
// transiently.
func (s *Store) IsTransient(error) bool { return false }

// MigrateToLatest is a no-op for the in-memory store.
func (s *Store) MigrateToLatest(context.Context) error { return nil }
