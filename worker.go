package chainq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/chainq/events"
	"github.com/rezkam/chainq/internal/backoff"
	"github.com/rezkam/chainq/internal/clock"
	"github.com/rezkam/chainq/statestore"
)

// RetryConfig is the backoff curve applied to failed attempts.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default attempt backoff: 10s doubling
// up to 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 10 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
}

func (c RetryConfig) backoffConfig() backoff.Config {
	return backoff.Config{InitialDelay: c.InitialDelay, Multiplier: c.Multiplier, MaxDelay: c.MaxDelay}
}

// LeaseConfig controls job leasing. RenewInterval must be shorter than
// Lease or a healthy worker would lose its own jobs to the reaper.
type LeaseConfig struct {
	Lease         time.Duration
	RenewInterval time.Duration
}

// DefaultLeaseConfig returns a 60s lease renewed every 30s.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{Lease: 60 * time.Second, RenewInterval: 30 * time.Second}
}

// AttemptHandler runs one attempt of one job.
type AttemptHandler func(ctx context.Context, a *Attempt) error

// Middleware wraps every attempt body; the first middleware in a
// worker's list is the outermost.
type Middleware func(next AttemptHandler) AttemptHandler

// Processor binds a job type to its handler, with optional per-type
// retry and lease overrides.
type Processor struct {
	Handler AttemptHandler
	Retry   *RetryConfig
	Lease   *LeaseConfig
}

// WorkerConfig configures one worker. Processors is required; zero
// values elsewhere take defaults.
type WorkerConfig struct {
	// WorkerID identifies this worker in leases, events and
	// completedBy. Defaults to hostname-pid-uuid.
	WorkerID string
	// Concurrency caps in-flight attempts, default 1.
	Concurrency int
	// PollInterval bounds the idle sleep between acquisition polls,
	// default 60s.
	PollInterval time.Duration

	Retry       RetryConfig
	Lease       LeaseConfig
	Middlewares []Middleware
	Processors  map[string]Processor
}

// Worker runs a dispatch loop that acquires ready jobs of its processor
// types and executes attempts, up to its concurrency.
type Worker struct {
	client    *Client
	store     statestore.Store
	cfg       WorkerConfig
	typeNames []string
	clk       clock.Clock

	slots chan struct{}
	wake  chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	runCtx       context.Context
	cancel       context.CancelCauseFunc
	dispatchDone chan struct{}
	attempts     sync.WaitGroup
	dispose      func()
	started      bool
}

// NewWorker validates the configuration against the client's registry
// and returns a stopped worker.
func NewWorker(client *Client, cfg WorkerConfig) (*Worker, error) {
	if client == nil {
		return nil, errors.New("chainq: NewWorker requires a client")
	}
	if len(cfg.Processors) == 0 {
		return nil, errors.New("chainq: WorkerConfig.Processors is required")
	}
	var typeNames []string
	for name, proc := range cfg.Processors {
		if proc.Handler == nil {
			return nil, fmt.Errorf("chainq: processor %q has no handler", name)
		}
		if _, ok := client.registry.Lookup(name); !ok {
			return nil, &TypeValidationError{Code: CodeUnknownType, TypeName: name}
		}
		typeNames = append(typeNames, name)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Lease == (LeaseConfig{}) {
		cfg.Lease = DefaultLeaseConfig()
	}
	if err := validateLease(cfg.Lease); err != nil {
		return nil, err
	}
	for name, proc := range cfg.Processors {
		if proc.Lease != nil {
			if err := validateLease(*proc.Lease); err != nil {
				return nil, fmt.Errorf("processor %q: %w", name, err)
			}
		}
	}
	return &Worker{
		client:    client,
		store:     client.store,
		cfg:       cfg,
		typeNames: typeNames,
		clk:       clock.System{},
		slots:     make(chan struct{}, cfg.Concurrency),
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]struct{}),
	}, nil
}

func validateLease(l LeaseConfig) error {
	if l.Lease <= 0 || l.RenewInterval <= 0 {
		return errors.New("chainq: lease and renew interval must be positive")
	}
	if l.RenewInterval >= l.Lease {
		return errors.New("chainq: lease renew interval must be shorter than the lease")
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns the effective worker id.
func (w *Worker) WorkerID() string { return w.cfg.WorkerID }

// Start launches the dispatch loop and returns. ctx only scopes startup
// (subscription setup); use Stop to shut the worker down.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("chainq: worker already started")
	}
	w.started = true

	base := context.WithoutCancel(ctx)
	w.runCtx, w.cancel = context.WithCancelCause(base)
	w.dispatchDone = make(chan struct{})

	dispose, err := w.client.notify.ListenJobScheduled(ctx, w.typeNames, func(string, int) {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		// Polling still drives the worker; notifications are advisory.
		w.client.emit(ctx, events.Event{Kind: events.KindNotifyAdapterError, WorkerID: w.cfg.WorkerID, Op: "listen_job_scheduled", Err: err})
		dispose = func() {}
	}
	w.dispose = dispose

	w.client.emit(ctx, events.Event{Kind: events.KindWorkerStarted, WorkerID: w.cfg.WorkerID})
	go w.dispatchLoop()
	return nil
}

// Stop cancels the dispatch loop, signals in-flight attempts with the
// worker_stopping cause, waits for them to finish and disposes the
// notify subscription.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	cancel, dispatchDone, dispose := w.cancel, w.dispatchDone, w.dispose
	w.mu.Unlock()

	cancel(ErrWorkerStopping)
	<-dispatchDone
	w.attempts.Wait()
	dispose()
	w.client.emit(ctx, events.Event{Kind: events.KindWorkerStopped, WorkerID: w.cfg.WorkerID})
	return nil
}

func (w *Worker) dispatchLoop() {
	defer close(w.dispatchDone)
	for {
		if !w.acquireSlot() {
			return
		}

		res, err := w.store.AcquireJob(w.runCtx, statestore.AcquireJobParams{
			TypeNames:     w.typeNames,
			WorkerID:      w.cfg.WorkerID,
			LeaseDuration: w.cfg.Lease.Lease,
		})
		if err != nil {
			w.releaseSlot()
			if w.stopping() {
				return
			}
			w.client.emit(w.runCtx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, Op: "acquire_job", Err: err})
			w.client.emit(w.runCtx, events.Event{Kind: events.KindWorkerError, WorkerID: w.cfg.WorkerID, Err: err})
			w.idleSleep(w.cfg.PollInterval)
			continue
		}

		if res.Job != nil {
			w.track(res.Job.ID)
			w.attempts.Add(1)
			go w.runAttempt(res.Job)
			continue
		}
		w.releaseSlot()

		if w.reapExpired() {
			continue
		}
		if w.stopping() {
			return
		}
		w.idleSleep(w.nextSleep())
	}
}

func (w *Worker) stopping() bool {
	return w.runCtx.Err() != nil
}

func (w *Worker) acquireSlot() bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-w.runCtx.Done():
		return false
	}
}

func (w *Worker) releaseSlot() { <-w.slots }

func (w *Worker) track(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[jobID] = struct{}{}
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, jobID)
}

func (w *Worker) inflightIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	return ids
}

// reapExpired returns one expired-lease running job to pending, if any.
// The reaped job's previous holder learns through the ownership-lost
// channel or its next lease renewal.
func (w *Worker) reapExpired() bool {
	var reaped *statestore.Job
	err := w.client.WithNotify(w.runCtx, func(ctx context.Context) error {
		job, err := w.store.RemoveExpiredJobLease(ctx, statestore.RemoveExpiredJobLeaseParams{
			TypeNames:     w.typeNames,
			IgnoredJobIDs: w.inflightIDs(),
		})
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		reaped = job
		e := jobEvent(events.KindJobLeaseExpired, job)
		e.WorkerID = w.cfg.WorkerID
		w.client.emit(ctx, e)
		e.Kind = events.KindJobReaped
		w.client.emit(ctx, e)
		w.client.noteScheduled(ctx, job.TypeName, 1)
		w.client.noteOwnershipLost(ctx, job.ID)
		return nil
	})
	if err != nil {
		if !w.stopping() {
			w.client.emit(w.runCtx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, Op: "remove_expired_job_lease", Err: err})
		}
		return false
	}
	return reaped != nil
}

// nextSleep bounds the idle sleep by the next scheduled job.
func (w *Worker) nextSleep() time.Duration {
	d := w.cfg.PollInterval
	next, ok, err := w.store.NextJobAvailableIn(w.runCtx, w.typeNames)
	if err != nil {
		if !w.stopping() {
			w.client.emit(w.runCtx, events.Event{Kind: events.KindStateAdapterError, WorkerID: w.cfg.WorkerID, Op: "next_job_available_in", Err: err})
		}
		return d
	}
	if ok && next < d {
		d = next
	}
	return d
}

// idleSleep waits for the duration, a job-scheduled notification or
// shutdown, whichever comes first.
func (w *Worker) idleSleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := w.clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.runCtx.Done():
	case <-timer.C():
	case <-w.wake:
	}
}

func (w *Worker) retryConfigFor(typeName string) RetryConfig {
	if proc, ok := w.cfg.Processors[typeName]; ok && proc.Retry != nil {
		return *proc.Retry
	}
	return w.cfg.Retry
}

func (w *Worker) leaseConfigFor(typeName string) LeaseConfig {
	if proc, ok := w.cfg.Processors[typeName]; ok && proc.Lease != nil {
		return *proc.Lease
	}
	return w.cfg.Lease
}
