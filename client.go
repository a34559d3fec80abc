// Package chainq is a durable, transactional job queue coordinated
// through a database. Producers enqueue typed job chains inside their
// own transactions; workers lease and run them with automatic retries,
// continuations and fan-out/fan-in blockers that survive process
// restarts.
package chainq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rezkam/chainq/events"
	"github.com/rezkam/chainq/internal/clock"
	"github.com/rezkam/chainq/notify"
	"github.com/rezkam/chainq/statestore"
)

// ClientConfig wires a Client. Store and Registry are required; Notify
// defaults to the no-op bus (polling only) and Events to the slog sink.
type ClientConfig struct {
	Store    statestore.Store
	Notify   notify.Adapter
	Registry *Registry
	Events   events.Sink
}

// Client is the producer-facing surface of the queue: starting chains,
// completing them externally, waiting on them and deleting chain trees.
type Client struct {
	store    statestore.Store
	notify   notify.Adapter
	registry *Registry
	events   events.Sink
	clk      clock.Clock
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("chainq: ClientConfig.Store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("chainq: ClientConfig.Registry is required")
	}
	c := &Client{
		store:    cfg.Store,
		notify:   cfg.Notify,
		registry: cfg.Registry,
		events:   cfg.Events,
		clk:      clock.System{},
	}
	if c.notify == nil {
		c.notify = notify.Noop{}
	}
	if c.events == nil {
		c.events = events.NewSlogSink(nil)
	}
	return c, nil
}

// Store exposes the underlying state store, mainly so callers can open
// transactions around StartJobChain.
func (c *Client) Store() statestore.Store { return c.store }

// Registry returns the job type registry the client validates against.
func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) emit(ctx context.Context, e events.Event) {
	if e.Time.IsZero() {
		e.Time = c.clk.Now()
	}
	c.events.Emit(ctx, e)
}

func jobEvent(kind events.Kind, j *statestore.Job) events.Event {
	return events.Event{
		Kind:        kind,
		JobID:       j.ID,
		ChainID:     j.ChainID,
		RootChainID: j.RootChainID,
		TypeName:    j.TypeName,
		Attempt:     j.Attempt,
	}
}

// noteScheduled buffers a job-scheduled notification in the ambient
// batch. Outside a batching scope the notification is dropped (polling
// covers correctness) and a notify_context_absence warning is emitted.
func (c *Client) noteScheduled(ctx context.Context, typeName string, count int) {
	b, ok := notify.FromContext(ctx)
	if !ok {
		c.emit(ctx, events.Event{Kind: events.KindNotifyContextAbsence, TypeName: typeName, Op: "job_scheduled"})
		return
	}
	b.AddJobScheduled(typeName, count)
}

func (c *Client) noteChainCompleted(ctx context.Context, chainID string) {
	b, ok := notify.FromContext(ctx)
	if !ok {
		c.emit(ctx, events.Event{Kind: events.KindNotifyContextAbsence, ChainID: chainID, Op: "chain_completed"})
		return
	}
	b.AddChainCompleted(chainID)
}

func (c *Client) noteOwnershipLost(ctx context.Context, jobID string) {
	b, ok := notify.FromContext(ctx)
	if !ok {
		c.emit(ctx, events.Event{Kind: events.KindNotifyContextAbsence, JobID: jobID, Op: "ownership_lost"})
		return
	}
	b.AddOwnershipLost(jobID)
}

// WithNotify runs fn inside a transaction and a notification batching
// scope, flushing the buffered notifications after commit. Nested calls
// join the outer scope, so notifications flush once, after the
// outermost commit.
func (c *Client) WithNotify(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, joined := notify.FromContext(ctx); joined {
		return c.store.RunInTransaction(ctx, fn)
	}
	batch := notify.NewBatch()
	ctx = notify.NewContext(ctx, batch)
	if err := c.store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	flushCtx := context.WithoutCancel(ctx)
	batch.Flush(flushCtx, c.notify, func(err error) {
		c.emit(flushCtx, events.Event{Kind: events.KindNotifyAdapterError, Op: "flush", Err: err})
	})
	return nil
}

// Chain is the handle returned when starting a job chain.
type Chain struct {
	ID       string
	TypeName string
	Input    json.RawMessage
	// Deduplicated is true when an existing chain with the same
	// deduplication key (or origin) was returned instead of a new one.
	Deduplicated bool
}

// StartJobChainParams describes a new chain.
type StartJobChainParams struct {
	TypeName string
	Input    json.RawMessage

	Schedule      *statestore.Schedule
	Deduplication *statestore.Deduplication

	// StartBlockers, when set, starts the chains this one must wait
	// for. The new chain stays blocked until every started blocker
	// chain is terminal.
	StartBlockers func(ctx context.Context, b *BlockerStarter) error
}

// StartJobChain creates the first job of a new chain. It must be called
// inside a state store transaction (use WithNotify or the store's
// RunInTransaction) so the enqueue commits or rolls back with the
// caller's own writes.
func (c *Client) StartJobChain(ctx context.Context, params StartJobChainParams) (*Chain, error) {
	if !c.store.InTransaction(ctx) {
		return nil, fmt.Errorf("StartJobChain: %w", statestore.ErrNotInTransaction)
	}
	if err := c.registry.validateEntry(params.TypeName, params.Input); err != nil {
		return nil, err
	}

	res, err := c.store.CreateJob(ctx, statestore.CreateJobParams{
		TypeName:      params.TypeName,
		ChainTypeName: params.TypeName,
		Input:         params.Input,
		Deduplication: params.Deduplication,
		Schedule:      params.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if res.Deduplicated {
		return &Chain{ID: res.Job.ChainID, TypeName: res.Job.ChainTypeName, Input: res.Job.Input, Deduplicated: true}, nil
	}

	job := res.Job
	c.emit(ctx, jobEvent(events.KindJobCreated, job))
	c.emit(ctx, jobEvent(events.KindJobChainCreated, job))

	job, err = c.startBlockers(ctx, job, params.TypeName, params.StartBlockers)
	if err != nil {
		return nil, err
	}
	if job.Status == statestore.StatusPending {
		c.noteScheduled(ctx, job.TypeName, 1)
	}
	return &Chain{ID: job.ChainID, TypeName: job.ChainTypeName, Input: job.Input}, nil
}

// startBlockers runs the blocker builder for job and records the
// resulting edges. Returns the refreshed job.
func (c *Client) startBlockers(ctx context.Context, job *statestore.Job, typeName string, build func(ctx context.Context, b *BlockerStarter) error) (*statestore.Job, error) {
	if build == nil {
		return job, nil
	}
	starter := &BlockerStarter{client: c, parent: job, parentType: typeName}
	if err := build(ctx, starter); err != nil {
		return nil, fmt.Errorf("start blockers: %w", err)
	}
	if len(starter.chainIDs) == 0 {
		return job, nil
	}
	res, err := c.store.AddJobBlockers(ctx, statestore.AddJobBlockersParams{
		JobID:             job.ID,
		BlockedByChainIDs: starter.chainIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("add job blockers: %w", err)
	}
	if res.Job.Status == statestore.StatusBlocked {
		c.emit(ctx, jobEvent(events.KindJobBlocked, res.Job))
	}
	return res.Job, nil
}

// BlockerStarter starts blocker chains on behalf of a job being
// created. Each started chain records the creating job as its origin
// and inherits its root chain id.
type BlockerStarter struct {
	client     *Client
	parent     *statestore.Job
	parentType string
	chainIDs   []string
}

// StartBlockerParams describes one blocker chain.
type StartBlockerParams struct {
	TypeName      string
	Input         json.RawMessage
	Schedule      *statestore.Schedule
	Deduplication *statestore.Deduplication
}

// Start creates a blocker chain and records it as a dependency of the
// parent job. Order of Start calls is preserved in the blocker list.
func (b *BlockerStarter) Start(ctx context.Context, params StartBlockerParams) (*Chain, error) {
	c := b.client
	if err := c.registry.validateBlocker(b.parentType, params.TypeName, params.Input); err != nil {
		return nil, err
	}
	origin := b.parent.ID
	res, err := c.store.CreateJob(ctx, statestore.CreateJobParams{
		TypeName:      params.TypeName,
		ChainTypeName: params.TypeName,
		Input:         params.Input,
		RootChainID:   b.parent.RootChainID,
		OriginID:      &origin,
		Deduplication: params.Deduplication,
		Schedule:      params.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("create blocker job: %w", err)
	}
	job := res.Job
	if !res.Deduplicated {
		c.emit(ctx, jobEvent(events.KindJobCreated, job))
		c.emit(ctx, jobEvent(events.KindJobChainCreated, job))
		if job.Status == statestore.StatusPending {
			c.noteScheduled(ctx, job.TypeName, 1)
		}
	}
	b.chainIDs = append(b.chainIDs, job.ChainID)
	return &Chain{ID: job.ChainID, TypeName: job.ChainTypeName, Input: job.Input, Deduplicated: res.Deduplicated}, nil
}

// CompleteJobChainParams describes an external completion.
type CompleteJobChainParams struct {
	// ID is the chain id; TypeName must match the chain's entry type.
	ID       string
	TypeName string
	// Complete decides the outcome: return a terminal output or call
	// ContinueWith on the completion exactly once.
	Complete func(ctx context.Context, cp *Completion) (json.RawMessage, error)
}

// CompleteJobChain completes the chain's current job from outside any
// worker, e.g. when an approval arrives. Must run inside a transaction.
// The completing worker is recorded as absent. If the job was running
// on a worker, that worker loses ownership and is notified.
func (c *Client) CompleteJobChain(ctx context.Context, params CompleteJobChainParams) (*statestore.Job, error) {
	if !c.store.InTransaction(ctx) {
		return nil, fmt.Errorf("CompleteJobChain: %w", statestore.ErrNotInTransaction)
	}
	job, err := c.store.GetCurrentJobForUpdate(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	if job.ChainTypeName != params.TypeName {
		return nil, fmt.Errorf("chain %s is of type %q, not %q", params.ID, job.ChainTypeName, params.TypeName)
	}
	if job.Status == statestore.StatusCompleted {
		return nil, statestore.ErrJobAlreadyCompleted
	}
	wasRunning := job.Status == statestore.StatusRunning

	result, err := c.finishJob(ctx, job, nil, params.Complete)
	if err != nil {
		return nil, err
	}
	if wasRunning {
		c.noteOwnershipLost(ctx, job.ID)
		c.emit(ctx, jobEvent(events.KindJobTakenByAnotherWorker, job))
	}
	return result, nil
}

// finishJob is the shared completion core of workers and external
// completion. current must be row-locked in the ambient transaction.
// Exactly one of "terminal output" or "continuation" happens; on
// terminal completion dependents are unblocked and the chain-completed
// notification is buffered.
func (c *Client) finishJob(ctx context.Context, current *statestore.Job, workerID *string, fn func(ctx context.Context, cp *Completion) (json.RawMessage, error)) (*statestore.Job, error) {
	cp := &Completion{client: c, job: current, workerID: workerID}
	output, err := fn(ctx, cp)
	if err != nil {
		return nil, err
	}

	if cp.continuation != nil {
		if output != nil {
			return nil, fmt.Errorf("job %s: completion returned an output and a continuation", current.ID)
		}
		if err := c.store.CompleteJob(ctx, current.ID, nil, workerID); err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
		c.emit(ctx, jobEvent(events.KindJobCompleted, current))
		return cp.continuation, nil
	}

	if output == nil {
		return nil, fmt.Errorf("job %s: completion returned neither an output nor a continuation", current.ID)
	}
	if t, ok := c.registry.Lookup(current.TypeName); ok {
		if err := c.registry.validateOutput(t, output); err != nil {
			return nil, err
		}
	}
	if err := c.store.CompleteJob(ctx, current.ID, output, workerID); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}

	// Terminal: wake dependents whose blockers are all satisfied now.
	unblocked, err := c.store.ScheduleBlockedJobs(ctx, current.ChainID)
	if err != nil {
		return nil, fmt.Errorf("schedule blocked jobs: %w", err)
	}
	for _, dependent := range unblocked {
		c.emit(ctx, jobEvent(events.KindJobUnblocked, dependent))
		c.noteScheduled(ctx, dependent.TypeName, 1)
	}
	c.noteChainCompleted(ctx, current.ChainID)
	c.emit(ctx, jobEvent(events.KindJobCompleted, current))
	c.emit(ctx, events.Event{
		Kind:        events.KindJobChainCompleted,
		ChainID:     current.ChainID,
		RootChainID: current.RootChainID,
		TypeName:    current.ChainTypeName,
	})

	done := current.Clone()
	done.Status = statestore.StatusCompleted
	done.Output = output
	return done, nil
}

// Completion is handed to completion callbacks. The callback either
// returns a terminal output or calls ContinueWith once.
type Completion struct {
	client       *Client
	job          *statestore.Job
	workerID     *string
	continuation *statestore.Job
}

// Job returns the row-locked snapshot of the job being completed.
func (cp *Completion) Job() *statestore.Job { return cp.job }

// ContinueWithParams describes the next job of the chain.
type ContinueWithParams struct {
	TypeName string
	Input    json.RawMessage
	Schedule *statestore.Schedule

	StartBlockers func(ctx context.Context, b *BlockerStarter) error
}

// ContinueWith inserts the chain's next job in the same transaction
// that completes the current one. The new job inherits the chain and
// records the current job as its origin, which also makes a retried
// complete phase idempotent.
func (cp *Completion) ContinueWith(ctx context.Context, params ContinueWithParams) (*statestore.Job, error) {
	if cp.continuation != nil {
		return nil, fmt.Errorf("job %s: ContinueWith called twice", cp.job.ID)
	}
	c := cp.client
	if err := c.registry.validateContinuation(cp.job.TypeName, params.TypeName, params.Input); err != nil {
		return nil, err
	}
	origin := cp.job.ID
	res, err := c.store.CreateJob(ctx, statestore.CreateJobParams{
		TypeName:      params.TypeName,
		ChainTypeName: cp.job.ChainTypeName,
		Input:         params.Input,
		ChainID:       cp.job.ChainID,
		RootChainID:   cp.job.RootChainID,
		OriginID:      &origin,
		Schedule:      params.Schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("create continuation: %w", err)
	}
	job := res.Job
	if !res.Deduplicated {
		c.emit(ctx, jobEvent(events.KindJobCreated, job))
		job, err = c.startBlockers(ctx, job, params.TypeName, params.StartBlockers)
		if err != nil {
			return nil, err
		}
		if job.Status == statestore.StatusPending {
			c.noteScheduled(ctx, job.TypeName, 1)
		}
	}
	cp.continuation = job
	return job.Clone(), nil
}

// DeleteJobChainTrees deletes every chain whose root chain id is given,
// including chains they spawned. Deletion is refused when jobs outside
// the trees still block on chains inside.
func (c *Client) DeleteJobChainTrees(ctx context.Context, rootChainIDs ...string) error {
	return c.store.RunInTransaction(ctx, func(ctx context.Context) error {
		external, err := c.store.GetExternalBlockers(ctx, rootChainIDs)
		if err != nil {
			return fmt.Errorf("get external blockers: %w", err)
		}
		if len(external) > 0 {
			ids := make([]string, len(external))
			for i, j := range external {
				ids[i] = j.ID
			}
			return &ExternalBlockersError{JobIDs: ids}
		}
		if err := c.store.DeleteJobsByRootChainIDs(ctx, rootChainIDs); err != nil {
			return fmt.Errorf("delete chain trees: %w", err)
		}
		for _, rootID := range rootChainIDs {
			c.emit(ctx, events.Event{Kind: events.KindJobChainDeleted, ChainID: rootID, RootChainID: rootID})
		}
		return nil
	})
}
