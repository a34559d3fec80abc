package chainq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rezkam/chainq/events"
	"github.com/rezkam/chainq/internal/backoff"
	"github.com/rezkam/chainq/statestore"
)

// PrepareMode selects how a handler's side effects relate to job
// completion.
type PrepareMode string

const (
	// PrepareAtomic runs side effects and completion in one transaction:
	// Complete must be called inside the Prepare function.
	PrepareAtomic PrepareMode = "atomic"
	// PrepareStaged commits side effects first; Complete runs in a
	// separate transaction afterwards. Handlers using staged mode must
	// make their Prepare function idempotent, the attempt can be retried
	// after the prepare commit.
	PrepareStaged PrepareMode = "staged"
)

// Attempt is the handler-facing view of one execution of a job. The
// handler finishes the job through Complete; returning without
// completing fails the attempt.
type Attempt struct {
	worker   *Worker
	client   *Client
	job      *statestore.Job
	blockers []*statestore.JobChain

	mu        sync.Mutex
	prepared  bool
	mode      PrepareMode
	inPrepare bool
	completed bool
	result    *statestore.Job
}

// Job returns the job snapshot taken at acquisition.
func (a *Attempt) Job() *statestore.Job { return a.job }

// WorkerID returns the id of the worker running this attempt.
func (a *Attempt) WorkerID() string { return a.worker.cfg.WorkerID }

// Blockers returns the chains this job waited for, in the order their
// edges were recorded. All of them are terminal.
func (a *Attempt) Blockers() []*statestore.JobChain { return a.blockers }

// BlockerOutputs returns the outputs of the blocker chains, in edge
// order.
func (a *Attempt) BlockerOutputs() []json.RawMessage {
	outputs := make([]json.RawMessage, len(a.blockers))
	for i, chain := range a.blockers {
		outputs[i] = chain.Latest.Output
	}
	return outputs
}

// Prepare runs the handler's side effects in a transaction. At most one
// Prepare per attempt. In atomic mode fn must call Complete before
// returning; in staged mode fn commits on its own and Complete follows
// in a second transaction.
func (a *Attempt) Prepare(ctx context.Context, mode PrepareMode, fn func(ctx context.Context) error) error {
	if mode != PrepareAtomic && mode != PrepareStaged {
		return fmt.Errorf("job %s: unknown prepare mode %q", a.job.ID, mode)
	}
	a.mu.Lock()
	if a.prepared {
		a.mu.Unlock()
		return fmt.Errorf("job %s: Prepare called twice", a.job.ID)
	}
	if a.completed {
		a.mu.Unlock()
		return fmt.Errorf("job %s: Prepare after Complete", a.job.ID)
	}
	a.prepared = true
	a.mode = mode
	a.mu.Unlock()

	if mode == PrepareStaged {
		return a.client.store.RunInTransaction(ctx, fn)
	}
	return a.client.WithNotify(ctx, func(ctx context.Context) error {
		a.mu.Lock()
		a.inPrepare = true
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			a.inPrepare = false
			a.mu.Unlock()
		}()
		if err := fn(ctx); err != nil {
			return err
		}
		a.mu.Lock()
		done := a.completed
		a.mu.Unlock()
		if !done {
			return fmt.Errorf("job %s: atomic prepare returned without calling Complete", a.job.ID)
		}
		return nil
	})
}

// Complete finishes the job: the callback returns the chain's terminal
// output or calls ContinueWith exactly once. Ownership is re-checked
// under a row lock, so a reaped or externally completed job fails here
// with an ownership error instead of double-completing.
func (a *Attempt) Complete(ctx context.Context, fn func(ctx context.Context, cp *Completion) (json.RawMessage, error)) error {
	a.mu.Lock()
	if a.completed {
		a.mu.Unlock()
		return fmt.Errorf("job %s: Complete called twice", a.job.ID)
	}
	if a.prepared && a.mode == PrepareAtomic && !a.inPrepare {
		a.mu.Unlock()
		return fmt.Errorf("job %s: atomic mode requires Complete inside Prepare", a.job.ID)
	}
	a.mu.Unlock()

	workerID := a.worker.cfg.WorkerID
	run := func(ctx context.Context) error {
		current, err := a.client.store.GetJobForUpdate(ctx, a.job.ID)
		if err != nil {
			return err
		}
		if current.Status == statestore.StatusCompleted {
			return statestore.ErrJobAlreadyCompleted
		}
		if current.Status != statestore.StatusRunning || current.LeasedBy == nil || *current.LeasedBy != workerID {
			return statestore.ErrJobTakenByAnotherWorker
		}
		result, err := a.client.finishJob(ctx, current, &workerID, fn)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.result = result
		a.mu.Unlock()
		return nil
	}

	var err error
	if a.client.store.InTransaction(ctx) {
		err = run(ctx)
	} else {
		err = a.client.WithNotify(ctx, run)
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.completed = true
	a.mu.Unlock()
	return nil
}

// Result returns the job written by Complete: the completed job on
// terminal completion, the inserted continuation otherwise. Nil before
// Complete succeeds.
func (a *Attempt) Result() *statestore.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

func (a *Attempt) isCompleted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// runAttempt executes one acquired job: takes the lease, keeps it
// renewed in the background, runs the middleware-wrapped handler and
// classifies the outcome. Exactly one of job_attempt_completed or
// job_attempt_failed is emitted per job_attempt_started.
func (w *Worker) runAttempt(job *statestore.Job) {
	defer w.attempts.Done()
	defer w.releaseSlot()
	defer w.untrack(job.ID)

	c := w.client
	leaseCfg := w.leaseConfigFor(job.TypeName)
	retryCfg := w.retryConfigFor(job.TypeName)

	attemptCtx, cancel := context.WithCancelCause(w.runCtx)
	defer cancel(nil)
	// Bookkeeping must finish even while the worker drains attempts.
	opCtx := context.WithoutCancel(w.runCtx)

	started := jobEvent(events.KindJobAttemptStarted, job)
	started.WorkerID = w.cfg.WorkerID
	c.emit(opCtx, started)

	fail := func(err error) {
		e := jobEvent(events.KindJobAttemptFailed, job)
		e.WorkerID = w.cfg.WorkerID
		e.Err = err
		c.emit(opCtx, e)
	}

	// Take the lease for this type's configured duration; acquisition
	// used the worker default.
	if err := w.store.RenewJobLease(opCtx, job.ID, w.cfg.WorkerID, leaseCfg.Lease); err != nil {
		if statestore.IsOwnershipLost(err) {
			w.emitOwnershipLost(opCtx, job, err)
		} else {
			c.emit(opCtx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, JobID: job.ID, Op: "renew_job_lease", Err: err})
		}
		fail(err)
		return
	}

	// The ownership-lost channel wakes the renewer early; the renewer's
	// row-locked read decides what actually happened.
	nudge := make(chan struct{}, 1)
	disposeLost, err := c.notify.ListenJobOwnershipLost(attemptCtx, job.ID, func(string) {
		select {
		case nudge <- struct{}{}:
		default:
		}
	})
	if err != nil {
		c.emit(opCtx, events.Event{Kind: events.KindNotifyAdapterError, WorkerID: w.cfg.WorkerID, JobID: job.ID, Op: "listen_ownership_lost", Err: err})
		disposeLost = func() {}
	}
	defer disposeLost()

	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go w.renewLease(attemptCtx, cancel, job.ID, leaseCfg, nudge, stopRenew, renewDone)

	attempt := &Attempt{worker: w, client: c, job: job}
	blockers, blockersErr := w.store.GetJobBlockers(opCtx, job.ID)
	if blockersErr != nil {
		// A fan-in handler must never observe missing blocker outputs;
		// the attempt fails and retries instead.
		c.emit(opCtx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, JobID: job.ID, Op: "get_job_blockers", Err: blockersErr})
		err = fmt.Errorf("get job blockers: %w", blockersErr)
	} else {
		attempt.blockers = blockers
		handler := w.cfg.Processors[job.TypeName].Handler
		for i := len(w.cfg.Middlewares) - 1; i >= 0; i-- {
			handler = w.cfg.Middlewares[i](handler)
		}
		err = runWithRecovery(attemptCtx, handler, attempt)
	}

	close(stopRenew)
	<-renewDone

	if err == nil && !attempt.isCompleted() {
		err = fmt.Errorf("job %s: handler returned without completing the job", job.ID)
	}
	if err == nil {
		e := jobEvent(events.KindJobAttemptCompleted, job)
		e.WorkerID = w.cfg.WorkerID
		c.emit(opCtx, e)
		return
	}

	// Ownership lost mid-attempt: the job belongs to someone else now,
	// rescheduling it would steal it back.
	if statestore.IsOwnershipLost(err) || statestore.IsOwnershipLost(context.Cause(attemptCtx)) {
		cause := err
		if !statestore.IsOwnershipLost(cause) {
			cause = context.Cause(attemptCtx)
		}
		w.emitOwnershipLost(opCtx, job, cause)
		fail(err)
		return
	}

	at := w.failureScheduleAt(job, err, retryCfg)
	w.rescheduleFailed(opCtx, job, at, err)
	fail(err)
}

func (w *Worker) emitOwnershipLost(ctx context.Context, job *statestore.Job, cause error) {
	if errors.Is(cause, statestore.ErrJobTakenByAnotherWorker) {
		e := jobEvent(events.KindJobTakenByAnotherWorker, job)
		e.WorkerID = w.cfg.WorkerID
		w.client.emit(ctx, e)
	}
}

// failureScheduleAt decides when the failed job runs again: a handler
// supplied RescheduleError wins, worker shutdown retries immediately,
// anything else follows the backoff curve for the attempt number.
func (w *Worker) failureScheduleAt(job *statestore.Job, err error, retryCfg RetryConfig) time.Time {
	now := w.clk.Now()
	var rs *RescheduleError
	if errors.As(err, &rs) {
		return rs.Schedule.ResolveAt(now)
	}
	if errors.Is(err, ErrWorkerStopping) || errors.Is(context.Cause(w.runCtx), ErrWorkerStopping) {
		return now
	}
	return now.Add(backoff.Delay(job.Attempt, retryCfg.backoffConfig()))
}

func (w *Worker) rescheduleFailed(ctx context.Context, job *statestore.Job, at time.Time, attemptErr error) {
	err := w.client.WithNotify(ctx, func(ctx context.Context) error {
		if err := w.store.RescheduleJob(ctx, job.ID, at, attemptErr.Error()); err != nil {
			return err
		}
		w.client.noteScheduled(ctx, job.TypeName, 1)
		return nil
	})
	if err == nil {
		return
	}
	if statestore.IsOwnershipLost(err) {
		w.emitOwnershipLost(ctx, job, err)
		return
	}
	w.client.emit(ctx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, JobID: job.ID, Op: "reschedule_job", Err: err})
}

// renewLease keeps the attempt's lease alive until the attempt ends.
// Every renewal re-reads the job under a row lock; discovering an
// external completion or another holder cancels the attempt with the
// matching cause. Transient store errors shorten the next wait with
// jitter instead of giving up.
func (w *Worker) renewLease(ctx context.Context, cancel context.CancelCauseFunc, jobID string, leaseCfg LeaseConfig, nudge <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	wait := leaseCfg.RenewInterval
	for {
		timer := w.clk.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-nudge:
			timer.Stop()
		case <-timer.C():
		}

		err := w.store.RunInTransaction(ctx, func(ctx context.Context) error {
			current, err := w.store.GetJobForUpdate(ctx, jobID)
			if err != nil {
				return err
			}
			if current.Status == statestore.StatusCompleted {
				cancel(statestore.ErrJobAlreadyCompleted)
				return nil
			}
			if current.Status != statestore.StatusRunning || current.LeasedBy == nil || *current.LeasedBy != w.cfg.WorkerID {
				cancel(statestore.ErrJobTakenByAnotherWorker)
				return nil
			}
			return w.store.RenewJobLease(ctx, jobID, w.cfg.WorkerID, leaseCfg.Lease)
		})
		switch {
		case err == nil:
			wait = leaseCfg.RenewInterval
		case errors.Is(err, statestore.ErrJobNotFound):
			// Chain tree deleted out from under us.
			cancel(statestore.ErrJobTakenByAnotherWorker)
			return
		case statestore.IsOwnershipLost(err):
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			w.client.emit(ctx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, JobID: jobID, Op: "renew_job_lease", Err: err})
			wait = backoff.FullJitter(leaseCfg.RenewInterval)
		}
	}
}

// runWithRecovery converts handler panics into attempt failures so one
// bad job cannot take the worker down.
func runWithRecovery(ctx context.Context, handler AttemptHandler, a *Attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, a)
}
