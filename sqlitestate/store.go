// Package sqlitestate is the SQLite implementation of the statestore
// contract, for single-process deployments and tests that want durable
// state without a database server.
//
// SQLite has no row-level locking; the store serializes all access
// through a single connection, which makes every transaction a global
// critical section. That satisfies the contract's atomicity and
// disjoint-acquire requirements at the cost of write concurrency.
package sqlitestate

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rezkam/chainq/statestore"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed statestore.Store.
type Store struct {
	db *sql.DB
}

var _ statestore.Store = (*Store)(nil)

// Open opens (or creates) the database at path and returns a migrated
// Store. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection serializes all access, see the package comment.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.MigrateToLatest(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// MigrateToLatest applies the embedded schema migrations.
func (s *Store) MigrateToLatest(context.Context) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTransaction(ctx) {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*statestore.Job, error) {
	var (
		j                statestore.Job
		status           string
		originID         sql.NullString
		input, output    []byte
		createdAt        int64
		scheduledAt      int64
		completedAt      sql.NullInt64
		completedBy      sql.NullString
		lastAttemptAt    sql.NullInt64
		lastAttemptError sql.NullString
		leasedBy         sql.NullString
		leasedUntil      sql.NullInt64
		dedupKey         sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.TypeName, &j.ChainID, &j.ChainTypeName, &j.RootChainID, &originID,
		&input, &output, &status, &createdAt, &scheduledAt, &completedAt, &completedBy,
		&j.Attempt, &lastAttemptAt, &lastAttemptError, &leasedBy, &leasedUntil, &dedupKey,
	)
	if err != nil {
		return nil, err
	}
	j.Status = statestore.Status(status)
	j.OriginID = nullStr(originID)
	j.Input = rawOrNil(input)
	j.Output = rawOrNil(output)
	j.CreatedAt = nsToTime(createdAt)
	j.ScheduledAt = nsToTime(scheduledAt)
	j.CompletedAt = nullTime(completedAt)
	j.CompletedBy = nullStr(completedBy)
	j.LastAttemptAt = nullTime(lastAttemptAt)
	j.LastAttemptError = nullStr(lastAttemptError)
	j.LeasedBy = nullStr(leasedBy)
	j.LeasedUntil = nullTime(leasedUntil)
	j.DeduplicationKey = nullStr(dedupKey)
	return &j, nil
}

func nsToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func timeToNS(t time.Time) int64 { return t.UnixNano() }

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := nsToTime(v.Int64)
	return &t
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// placeholders builds "?,?,..." for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func anyArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func (s *Store) CreateJob(ctx context.Context, params statestore.CreateJobParams) (statestore.CreateJobResult, error) {
	if err := s.requireTx(ctx, "CreateJob"); err != nil {
		return statestore.CreateJobResult{}, err
	}
	q := s.q(ctx)

	// Continuation idempotency via the (chain, origin) pair.
	if params.ChainID != "" && params.OriginID != nil {
		job, err := scanJob(q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = ? AND origin_id = ?`,
			params.ChainID, *params.OriginID))
		if err == nil {
			return statestore.CreateJobResult{Job: job, Deduplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return statestore.CreateJobResult{}, fmt.Errorf("lookup continuation: %w", err)
		}
	}

	now := time.Now().UTC()

	if d := params.Deduplication; d != nil && d.Key != "" && (d.Window == nil || *d.Window > 0) {
		query := `SELECT ` + jobColumns + ` FROM chainq_jobs
			WHERE id = chain_id AND deduplication_key = ?`
		args := []any{d.Key}
		if d.Scope != statestore.DedupAny {
			query += ` AND status <> 'completed'`
		}
		if d.Window != nil {
			query += ` AND created_at > ?`
			args = append(args, timeToNS(now.Add(-*d.Window)))
		}
		query += ` ORDER BY seq DESC LIMIT 1`

		job, err := scanJob(q.QueryRowContext(ctx, query, args...))
		if err == nil {
			return statestore.CreateJobResult{Job: job, Deduplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
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
	var dedupKey any
	if params.Deduplication != nil && params.Deduplication.Key != "" && chainID == id {
		dedupKey = params.Deduplication.Key
	}
	var originID any
	if params.OriginID != nil {
		originID = *params.OriginID
	}

	_, err := q.ExecContext(ctx, `INSERT INTO chainq_jobs
		(id, seq, type_name, chain_id, chain_type_name, root_chain_id, origin_id,
		 input, status, created_at, scheduled_at, deduplication_key)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chainq_jobs), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, params.TypeName, chainID, params.ChainTypeName, rootChainID, originID,
		[]byte(params.Input), string(statestore.StatusPending),
		timeToNS(now), timeToNS(params.Schedule.ResolveAt(now)), dedupKey)
	if err != nil {
		return statestore.CreateJobResult{}, fmt.Errorf("insert job: %w", err)
	}
	job, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, id))
	if err != nil {
		return statestore.CreateJobResult{}, fmt.Errorf("read inserted job: %w", err)
	}
	return statestore.CreateJobResult{Job: job}, nil
}

func (s *Store) AddJobBlockers(ctx context.Context, params statestore.AddJobBlockersParams) (statestore.AddJobBlockersResult, error) {
	if err := s.requireTx(ctx, "AddJobBlockers"); err != nil {
		return statestore.AddJobBlockersResult{}, err
	}
	q := s.q(ctx)

	job, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, params.JobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return statestore.AddJobBlockersResult{}, statestore.ErrJobNotFound
		}
		return statestore.AddJobBlockersResult{}, fmt.Errorf("read job: %w", err)
	}

	var pos int
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM chainq_job_blockers WHERE job_id = ?`,
		params.JobID).Scan(&pos); err != nil {
		return statestore.AddJobBlockersResult{}, fmt.Errorf("next blocker position: %w", err)
	}

	var incomplete []string
	for _, chainID := range params.BlockedByChainIDs {
		res, err := q.ExecContext(ctx, `INSERT INTO chainq_job_blockers (job_id, blocked_by_chain_id, position)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			params.JobID, chainID, pos)
		if err != nil {
			return statestore.AddJobBlockersResult{}, fmt.Errorf("insert blocker edge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return statestore.AddJobBlockersResult{}, fmt.Errorf("insert blocker edge: %w", err)
		}
		if n == 0 {
			continue
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
		if _, err := q.ExecContext(ctx,
			`UPDATE chainq_jobs SET status = 'blocked' WHERE id = ?`, params.JobID); err != nil {
			return statestore.AddJobBlockersResult{}, fmt.Errorf("block job: %w", err)
		}
		job.Status = statestore.StatusBlocked
	}
	return statestore.AddJobBlockersResult{Job: job, IncompleteBlockerChainIDs: incomplete}, nil
}

func (s *Store) chainTerminal(ctx context.Context, q querier, chainID string) (bool, error) {
	var terminal bool
	err := q.QueryRowContext(ctx, `SELECT status = 'completed' FROM chainq_jobs
		WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`, chainID).Scan(&terminal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		rows, err := q.QueryContext(ctx, `SELECT DISTINCT j.id FROM chainq_jobs j
			JOIN chainq_job_blockers b ON b.job_id = j.id
			WHERE b.blocked_by_chain_id = ? AND j.status = 'blocked'
			ORDER BY j.seq`, blockedByChainID)
		if err != nil {
			return fmt.Errorf("list dependents: %w", err)
		}
		var jobIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan dependent: %w", err)
			}
			jobIDs = append(jobIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list dependents: %w", err)
		}

		now := timeToNS(time.Now().UTC())
		for _, jobID := range jobIDs {
			ready, err := s.allBlockersTerminal(ctx, q, jobID)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			res, err := q.ExecContext(ctx, `UPDATE chainq_jobs
				SET status = 'pending', scheduled_at = ?
				WHERE id = ? AND status = 'blocked'`, now, jobID)
			if err != nil {
				return fmt.Errorf("unblock job: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				if err != nil {
					return fmt.Errorf("unblock job: %w", err)
				}
				continue
			}
			job, err := scanJob(q.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, jobID))
			if err != nil {
				return fmt.Errorf("read unblocked job: %w", err)
			}
			unblocked = append(unblocked, job)
		}
		return nil
	})
	return unblocked, err
}

func (s *Store) allBlockersTerminal(ctx context.Context, q querier, jobID string) (bool, error) {
	var blocked bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM chainq_job_blockers b
		WHERE b.job_id = ? AND NOT EXISTS (
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
	root, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = ? ORDER BY seq ASC LIMIT 1`, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, statestore.ErrChainNotFound
		}
		return nil, fmt.Errorf("get chain root: %w", err)
	}
	latest, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`, chainID))
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
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM chainq_jobs WHERE id = ?)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return statestore.ErrJobNotFound
		}
		rows, err := q.QueryContext(ctx, `SELECT blocked_by_chain_id FROM chainq_job_blockers
			WHERE job_id = ? ORDER BY position`, jobID)
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
		typeIn := placeholders(len(params.TypeNames))
		args := append(anyArgs(params.TypeNames), timeToNS(now))

		var id string
		err := q.QueryRowContext(ctx, `SELECT id FROM chainq_jobs
			WHERE status = 'pending' AND type_name IN (`+typeIn+`) AND scheduled_at <= ?
			ORDER BY scheduled_at, seq
			LIMIT 1`, args...).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim job: %w", err)
		}

		if _, err := q.ExecContext(ctx, `UPDATE chainq_jobs
			SET status = 'running', attempt = attempt + 1, last_attempt_at = ?,
			    leased_by = ?, leased_until = ?
			WHERE id = ?`,
			timeToNS(now), params.WorkerID, timeToNS(now.Add(params.LeaseDuration)), id); err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		job, err := scanJob(q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("read claimed job: %w", err)
		}
		result.Job = job

		moreArgs := append(anyArgs(params.TypeNames), timeToNS(now), id)
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (
			SELECT 1 FROM chainq_jobs
			WHERE status = 'pending' AND type_name IN (`+typeIn+`) AND scheduled_at <= ? AND id <> ?)`,
			moreArgs...).Scan(&result.HasMore); err != nil {
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
	var next sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx, `SELECT MIN(scheduled_at) FROM chainq_jobs
		WHERE status = 'pending' AND type_name IN (`+placeholders(len(typeNames))+`)`,
		anyArgs(typeNames)...).Scan(&next)
	if err != nil {
		return 0, false, fmt.Errorf("next job available: %w", err)
	}
	if !next.Valid {
		return 0, false, nil
	}
	d := time.Until(nsToTime(next.Int64))
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	q := s.q(ctx)
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `UPDATE chainq_jobs
		SET leased_by = ?, leased_until = ?
		WHERE id = ? AND status = 'running' AND (leased_by IS NULL OR leased_by = ?)`,
		workerID, timeToNS(now.Add(leaseDuration)), jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

func (s *Store) classifyOwnershipLoss(ctx context.Context, q querier, jobID string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM chainq_jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	res, err := q.ExecContext(ctx, `UPDATE chainq_jobs
		SET status = 'pending', scheduled_at = ?, last_attempt_at = ?, last_attempt_error = ?,
		    leased_by = NULL, leased_until = NULL
		WHERE id = ? AND status <> 'completed'`,
		timeToNS(at.UTC()), timeToNS(time.Now().UTC()), attemptError, jobID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if n == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, output json.RawMessage, workerID *string) error {
	if err := s.requireTx(ctx, "CompleteJob"); err != nil {
		return err
	}
	q := s.q(ctx)
	var by any
	if workerID != nil {
		by = *workerID
	}
	res, err := q.ExecContext(ctx, `UPDATE chainq_jobs
		SET status = 'completed', output = ?, completed_at = ?, completed_by = ?,
		    leased_by = NULL, leased_until = NULL
		WHERE id = ? AND status <> 'completed'`,
		[]byte(output), timeToNS(time.Now().UTC()), by, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n == 0 {
		return s.classifyOwnershipLoss(ctx, q, jobID)
	}
	return nil
}

func (s *Store) RemoveExpiredJobLease(ctx context.Context, params statestore.RemoveExpiredJobLeaseParams) (*statestore.Job, error) {
	if len(params.TypeNames) == 0 {
		return nil, nil
	}
	var reaped *statestore.Job
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		now := timeToNS(time.Now().UTC())

		query := `SELECT id FROM chainq_jobs
			WHERE status = 'running' AND type_name IN (` + placeholders(len(params.TypeNames)) + `)
			  AND leased_until <= ?`
		args := append(anyArgs(params.TypeNames), now)
		if len(params.IgnoredJobIDs) > 0 {
			query += ` AND id NOT IN (` + placeholders(len(params.IgnoredJobIDs)) + `)`
			args = append(args, anyArgs(params.IgnoredJobIDs)...)
		}
		query += ` ORDER BY leased_until LIMIT 1`

		var id string
		err := q.QueryRowContext(ctx, query, args...).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find expired lease: %w", err)
		}

		if _, err := q.ExecContext(ctx, `UPDATE chainq_jobs
			SET status = 'pending', leased_by = NULL, leased_until = NULL
			WHERE id = ?`, id); err != nil {
			return fmt.Errorf("reap job: %w", err)
		}
		job, err := scanJob(q.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("read reaped job: %w", err)
		}
		reaped = job
		return nil
	})
	return reaped, err
}

func (s *Store) GetExternalBlockers(ctx context.Context, rootChainIDs []string) ([]*statestore.Job, error) {
	if len(rootChainIDs) == 0 {
		return nil, nil
	}
	in := placeholders(len(rootChainIDs))
	args := append(anyArgs(rootChainIDs), anyArgs(rootChainIDs)...)
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT DISTINCT `+prefixColumns("j")+` FROM chainq_jobs j
		JOIN chainq_job_blockers b ON b.job_id = j.id
		JOIN chainq_jobs t ON t.id = b.blocked_by_chain_id
		WHERE t.root_chain_id IN (`+in+`) AND j.root_chain_id NOT IN (`+in+`)
		ORDER BY j.seq`, args...)
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

func prefixColumns(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, rootChainIDs []string) error {
	if len(rootChainIDs) == 0 {
		return nil
	}
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		in := placeholders(len(rootChainIDs))
		args := anyArgs(rootChainIDs)
		if _, err := q.ExecContext(ctx, `DELETE FROM chainq_job_blockers
			WHERE blocked_by_chain_id IN (
				SELECT chain_id FROM chainq_jobs WHERE root_chain_id IN (`+in+`))`, args...); err != nil {
			return fmt.Errorf("delete blocker edges: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM chainq_jobs WHERE root_chain_id IN (`+in+`)`, args...); err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}

func (s *Store) GetJobForUpdate(ctx context.Context, jobID string) (*statestore.Job, error) {
	if err := s.requireTx(ctx, "GetJobForUpdate"); err != nil {
		return nil, err
	}
	job, err := scanJob(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	job, err := scanJob(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM chainq_jobs WHERE chain_id = ? ORDER BY seq DESC LIMIT 1`, chainID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, statestore.ErrChainNotFound
		}
		return nil, fmt.Errorf("get current job for update: %w", err)
	}
	return job, nil
}

// IsTransient reports whether the error is a SQLite busy or locked
// condition worth retrying.
func (s *Store) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
