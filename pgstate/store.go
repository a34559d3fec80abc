// Package pgstate is the PostgreSQL implementation of the statestore
// contract, plus a LISTEN/NOTIFY notify adapter. Acquisition and
// reaping use FOR UPDATE SKIP LOCKED so concurrent workers never
// contend on the same row.
package pgstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/chainq/statestore"
)

type txKey struct{}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed statestore.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ statestore.Store = (*Store)(nil)

// NewStore wraps an existing connection pool. Use Open to build the
// pool from configuration.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool, e.g. to share it with a Listener.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// RunInTransaction executes fn in a database transaction carried on the
// context. Nested calls join the outer transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTransaction(ctx) {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

func (s *Store) requireTx(ctx context.Context, op string) error {
	if !s.InTransaction(ctx) {
		return fmt.Errorf("%s: %w", op, statestore.ErrNotInTransaction)
	}
	return nil
}

const jobColumns = `id, type_name, chain_id, chain_type_name, root_chain_id, origin_id,
	input, output, status, created_at, scheduled_at, completed_at, completed_by,
	attempt, last_attempt_at, last_attempt_error, leased_by, leased_until, deduplication_key`

func scanJob(row pgx.Row) (*statestore.Job, error) {
	var j statestore.Job
	var status string
	err := row.Scan(
		&j.ID, &j.TypeName, &j.ChainID, &j.ChainTypeName, &j.RootChainID, &j.OriginID,
		&j.Input, &j.Output, &status, &j.CreatedAt, &j.ScheduledAt, &j.CompletedAt, &j.CompletedBy,
		&j.Attempt, &j.LastAttemptAt, &j.LastAttemptError, &j.LeasedBy, &j.LeasedUntil, &j.DeduplicationKey,
	)
	if err != nil {
		return nil, err
	}
	j.Status = statestore.Status(status)
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, params statestore.CreateJobParams) (statestore.CreateJobResult, error) {
	if err := s.requireTx(ctx, "CreateJob"); err != nil {
		return statestore.CreateJobResult{}, err
	}
	q := s.q(ctx)

	// Continuation idempotency: a retried complete phase finds the job
	// it already inserted by its (chain, origin) pair.
	if params.ChainID != "" && params.OriginID != nil {
		row := q.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = $1 AND origin_id = $2 FOR UPDATE`,
			params.ChainID, *params.OriginID)
		job, err := scanJob(row)
		if err == nil {
			return statestore.CreateJobResult{Job: job, Deduplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return statestore.CreateJobResult{}, fmt.Errorf("lookup continuation: %w", err)
		}
	}

	now := time.Now().UTC()

	if d := params.Deduplication; d != nil && d.Key != "" && (d.Window == nil || *d.Window > 0) {
		query := `SELECT ` + jobColumns + ` FROM chainq_jobs
			WHERE id = chain_id AND deduplication_key = $1`
		args := []any{d.Key}
		if d.Scope != statestore.DedupAny {
			query += ` AND status <> 'completed'`
		}
		if d.Window != nil {
			args = append(args, now.Add(-*d.Window))
			query += fmt.Sprintf(` AND created_at > $%d`, len(args))
		}
		query += ` ORDER BY seq DESC LIMIT 1 FOR UPDATE`

		row := q.QueryRow(ctx, query, args...)
		job, err := scanJob(row)
		if err == nil {
			return statestore.CreateJobResult{Job: job, Deduplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return statestore.CreateJobResult{}, fmt.Errorf("lookup deduplication key: %w", err)
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
	var dedupKey *string
	if params.Deduplication != nil && params.Deduplication.Key != "" && chainID == id {
		dedupKey = &params.Deduplication.Key
	}

	row := q.QueryRow(ctx, `INSERT INTO chainq_jobs
		(id, type_name, chain_id, chain_type_name, root_chain_id, origin_id,
		 input, status, created_at, scheduled_at, deduplication_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+jobColumns,
		id, params.TypeName, chainID, params.ChainTypeName, rootChainID, params.OriginID,
		params.Input, string(statestore.StatusPending), now, params.Schedule.ResolveAt(now), dedupKey)
	job, err := scanJob(row)
	if err != nil {
		return statestore.CreateJobResult{}, fmt.Errorf("insert job: %w", err)
	}
	return statestore.CreateJobResult{Job: job}, nil
}

func (s *Store) AddJobBlockers(ctx context.Context, params statestore.AddJobBlockersParams) (statestore.AddJobBlockersResult, error) {
	if err := s.requireTx(ctx, "AddJobBlockers"); err != nil {
		return statestore.AddJobBlockersResult{}, err
	}
	q := s.q(ctx)

	job, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = $1 FOR UPDATE`, params.JobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return statestore.AddJobBlockersResult{}, statestore.ErrJobNotFound
		}
		return statestore.AddJobBlockersResult{}, fmt.Errorf("lock job: %w", err)
	}

	var pos int
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM chainq_job_blockers WHERE job_id = $1`,
		params.JobID).Scan(&pos); err != nil {
		return statestore.AddJobBlockersResult{}, fmt.Errorf("next blocker position: %w", err)
	}

	var incomplete []string
	for _, chainID := range params.BlockedByChainIDs {
		tag, err := q.Exec(ctx, `INSERT INTO chainq_job_blockers (job_id, blocked_by_chain_id, position)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			params.JobID, chainID, pos)
		if err != nil {
			return statestore.AddJobBlockersResult{}, fmt.Errorf("insert blocker edge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue // edge already recorded
		}
		pos++
		terminal, err := s.chainTerminal(ctx, q, chainID)
		if err != nil {
			return statestore.AddJobBlockersResult{}, err
		}
		if !terminal {
			incomplete = append(incomplete, chainID)
		}
	}

	if len(incomplete) > 0 && job.Status == statestore.StatusPending {
		if _, err := q.Exec(ctx,
			`UPDATE chainq_jobs SET status = 'blocked' WHERE id = $1`, params.JobID); err != nil {
			return statestore.AddJobBlockersResult{}, fmt.Errorf("block job: %w", err)
		}
		job.Status = statestore.StatusBlocked
	}
	return statestore.AddJobBlockersResult{Job: job, IncompleteBlockerChainIDs: incomplete}, nil
}

func (s *Store) chainTerminal(ctx context.Context, q querier, chainID string) (bool, error) {
	var terminal bool
	err := q.QueryRow(ctx, `SELECT status = 'completed' FROM chainq_jobs
		WHERE chain_id = $1 ORDER BY seq DESC LIMIT 1`, chainID).Scan(&terminal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check chain terminal: %w", err)
	}
	return terminal, nil
}

func (s *Store) ScheduleBlockedJobs(ctx context.Context, blockedByChainID string) ([]*statestore.Job, error) {
	var unblocked []*statestore.Job
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		rows, err := q.Query(ctx, `SELECT DISTINCT j.id, j.seq FROM chainq_jobs j
			JOIN chainq_job_blockers b ON b.job_id = j.id
			WHERE b.blocked_by_chain_id = $1 AND j.status = 'blocked'
			ORDER BY j.seq`, blockedByChainID)
		if err != nil {
			return fmt.Errorf("list dependents: %w", err)
		}
		var jobIDs []string
		for rows.Next() {
			var id string
			var seq int64
			if err := rows.Scan(&id, &seq); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependent: %w", err)
			}
			jobIDs = append(jobIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list dependents: %w", err)
		}

		now := time.Now().UTC()
		for _, jobID := range jobIDs {
			ready, err := s.allBlockersTerminal(ctx, q, jobID)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			job, err := scanJob(q.QueryRow(ctx, `UPDATE chainq_jobs
				SET status = 'pending', scheduled_at = $2
				WHERE id = $1 AND status = 'blocked'
				RETURNING `+jobColumns, jobID, now))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return fmt.Errorf("unblock job: %w", err)
			}
			unblocked = append(unblocked, job)
		}
		return nil
	})
	return unblocked, err
}

func (s *Store) allBlockersTerminal(ctx context.Context, q querier, jobID string) (bool, error) {
	var blocked bool
	err := q.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM chainq_job_blockers b
		WHERE b.job_id = $1 AND NOT EXISTS (
			SELECT 1 FROM chainq_jobs l
			WHERE l.chain_id = b.blocked_by_chain_id
			  AND l.seq = (SELECT MAX(seq) FROM chainq_jobs WHERE chain_id = b.blocked_by_chain_id)
			  AND l.status = 'completed'))`, jobID).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check blockers terminal: %w", err)
	}
	return !blocked, nil
}

func (s *Store) GetJobChain(ctx context.Context, chainID string) (*statestore.JobChain, error) {
	return s.getChain(ctx, s.q(ctx), chainID)
}

func (s *Store) getChain(ctx context.Context, q querier, chainID string) (*statestore.JobChain, error) {
	root, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = $1 ORDER BY seq ASC LIMIT 1`, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, statestore.ErrChainNotFound
		}
		return nil, fmt.Errorf("get chain root: %w", err)
	}
	latest, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = $1 ORDER BY seq DESC LIMIT 1`, chainID))
	if err != nil {
		return nil, fmt.Errorf("get chain latest: %w", err)
	}
	return &statestore.JobChain{Root: root, Latest: latest}, nil
}

func (s *Store) GetJobBlockers(ctx context.Context, jobID string) ([]*statestore.JobChain, error) {
	var chains []*statestore.JobChain
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chainq_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return statestore.ErrJobNotFound
		}
		rows, err := q.Query(ctx, `SELECT blocked_by_chain_id FROM chainq_job_blockers
			WHERE job_id = $1 ORDER BY position`, jobID)
		if err != nil {
			return fmt.Errorf("list blocker edges: %w", err)
		}
		var chainIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan blocker edge: %w", err)
			}
			chainIDs = append(chainIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list blocker edges: %w", err)
		}

		chains = make([]*statestore.JobChain, 0, len(chainIDs))
		for _, chainID := range chainIDs {
			chain, err := s.getChain(ctx, q, chainID)
			if err != nil {
				return err
			}
			chains = append(chains, chain)
		}
		return nil
	})
	return chains, err
}

func (s *Store) AcquireJob(ctx context.Context, params statestore.AcquireJobParams) (statestore.AcquireJobResult, error) {
	if len(params.TypeNames) == 0 {
		return statestore.AcquireJobResult{}, nil
	}
	var result statestore.AcquireJobResult
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		now := time.Now().UTC()

		var id string
		err := q.QueryRow(ctx, `SELECT id FROM chainq_jobs
			WHERE status = 'pending' AND type_name = ANY($1) AND scheduled_at <= $2
			ORDER BY scheduled_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, params.TypeNames, now).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim job: %w", err)
		}

		job, err := scanJob(q.QueryRow(ctx, `UPDATE chainq_jobs
			SET status = 'running', attempt = attempt + 1, last_attempt_at = $2,
			    leased_by = $3, leased_until = $4
			WHERE id = $1
			RETURNING `+jobColumns,
			id, now, params.WorkerID, now.Add(params.LeaseDuration)))
		if err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		result.Job = job

		if err := q.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM chainq_jobs
			WHERE status = 'pending' AND type_name = ANY($1) AND scheduled_at <= $2 AND id <> $3)`,
			params.TypeNames, now, id).Scan(&result.HasMore); err != nil {
			return fmt.Errorf("check for more jobs: %w", err)
		}
		return nil
	})
	return result, err
}

func (s *Store) NextJobAvailableIn(ctx context.Context, typeNames []string) (time.Duration, bool, error) {
	if len(typeNames) == 0 {
		return 0, false, nil
	}
	var next *time.Time
	err := s.q(ctx).QueryRow(ctx, `SELECT MIN(scheduled_at) FROM chainq_jobs
		WHERE status = 'pending' AND type_name = ANY($1)`, typeNames).Scan(&next)
	if err != nil {
		return 0, false, fmt.Errorf("next job available: %w", err)
	}
	if next == nil {
		return 0, false, nil
	}
	d := time.Until(*next)
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	q := s.q(ctx)
	now := time.Now().UTC()
	tag, err := q.Exec(ctx, `UPDATE chainq_jobs
		SET leased_by = $2, leased_until = $3
		WHERE id = $1 AND status = 'running' AND (leased_by IS NULL OR leased_by = $2)`,
		jobID, workerID, now.Add(leaseDuration))
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

// classifyOwnershipLoss turns a zero-row ownership-checked update into
// the precise sentinel the engine distinguishes on.
func (s *Store) classifyOwnershipLoss(ctx context.Context, q querier, jobID string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM chainq_jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return statestore.ErrJobNotFound
		}
		return fmt.Errorf("classify ownership loss: %w", err)
	}
	if statestore.Status(status) == statestore.StatusCompleted {
		return statestore.ErrJobAlreadyCompleted
	}
	return statestore.ErrJobTakenByAnotherWorker
}

func (s *Store) RescheduleJob(ctx context.Context, jobID string, at time.Time, attemptError string) error {
	q := s.q(ctx)
	now := time.Now().UTC()
	tag, err := q.Exec(ctx, `UPDATE chainq_jobs
		SET status = 'pending', scheduled_at = $2, last_attempt_at = $3, last_attempt_error = $4,
		    leased_by = NULL, leased_until = NULL
		WHERE id = $1 AND status <> 'completed'`,
		jobID, at.UTC(), now, attemptError)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, output json.RawMessage, workerID *string) error {
	if err := s.requireTx(ctx, "CompleteJob"); err != nil {
		return err
	}
	q := s.q(ctx)
	tag, err := q.Exec(ctx, `UPDATE chainq_jobs
		SET status = 'completed', output = $2, completed_at = $3, completed_by = $4,
		    leased_by = NULL, leased_until = NULL
		WHERE id = $1 AND status <> 'completed'`,
		jobID, output, time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

func (s *Store) RemoveExpiredJobLease(ctx context.Context, params statestore.RemoveExpiredJobLeaseParams) (*statestore.Job, error) {
	if len(params.TypeNames) == 0 {
		return nil, nil
	}
	ignored := params.IgnoredJobIDs
	if ignored == nil {
		ignored = []string{}
	}
	var reaped *statestore.Job
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		now := time.Now().UTC()

		var id string
		err := q.QueryRow(ctx, `SELECT id FROM chainq_jobs
			WHERE status = 'running' AND type_name = ANY($1)
			  AND leased_until <= $2 AND NOT (id = ANY($3))
			ORDER BY leased_until
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, params.TypeNames, now, ignored).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find expired lease: %w", err)
		}

		job, err := scanJob(q.QueryRow(ctx, `UPDATE chainq_jobs
			SET status = 'pending', leased_by = NULL, leased_until = NULL
			WHERE id = $1
			RETURNING `+jobColumns, id))
		if err != nil {
			return fmt.Errorf("reap job: %w", err)
		}
		reaped = job
		return nil
	})
	return reaped, err
}

func (s *Store) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*statestore.Job, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+jobColumns+` FROM (
			SELECT DISTINCT ON (j.id) j.* FROM chainq_jobs j
			JOIN chainq_job_blockers b ON b.job_id = j.id
			JOIN chainq_jobs t ON t.id = b.blocked_by_chain_id
			WHERE t.root_chain_id = ANY($1) AND NOT (j.root_chain_id = ANY($1))
			ORDER BY j.id
		) x ORDER BY x.seq`, rootChainIDs)
	if err != nil {
		return nil, fmt.Errorf("get external blockers: %w", err)
	}
	defer rows.Close()

	var out []*statestore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan external blocker: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get external blockers: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		// Edges held by surviving jobs cannot point into the trees (the
		// external-blocker check forbids it), edges held by deleted jobs
		// cascade; this covers edges created concurrently anyway.
		if _, err := q.Exec(ctx, `DELETE FROM chainq_job_blockers
			WHERE blocked_by_chain_id IN (
				SELECT chain_id FROM chainq_jobs WHERE root_chain_id = ANY($1))`, rootChainIDs); err != nil {
			return fmt.Errorf("delete blocker edges: %w", err)
		}
		if _, err := q.Exec(ctx,
			`DELETE FROM chainq_jobs WHERE root_chain_id = ANY($1)`, rootChainIDs); err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}

func (s *Store) GetJobForUpdate(ctx context.Context, jobID string) (*statestore.Job, error) {
	if err := s.requireTx(ctx, "GetJobForUpdate"); err != nil {
		return nil, err
	}
	job, err := scanJob(s.q(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, statestore.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job for update: %w", err)
	}
	return job, nil
}

func (s *Store) GetCurrentJobForUpdate(ctx context.Context, chainID string) (*statestore.Job, error) {
	if err := s.requireTx(ctx, "GetCurrentJobForUpdate"); err != nil {
		return nil, err
	}
	job, err := scanJob(s.q(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, statestore.ErrChainNotFound
		}
		return nil, fmt.Errorf("get current job for update: %w", err)
	}
	return job, nil
}

// IsTransient reports whether the error is worth retrying: connection
// loss (class 08), transaction rollback such as serialization failures
// and deadlocks (class 40), or an admin shutdown.
func (s *Store) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") {
			return true
		}
		// admin_shutdown, crash_shutdown, cannot_connect_now
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
	}
	return false
}
