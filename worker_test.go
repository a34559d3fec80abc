package chainq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/chainq/memstate"
	"github.com/rezkam/chainq/notify"
	"github.com/rezkam/chainq/statestore"
)

// fastRetry keeps test attempts close together.
func fastRetry() *RetryConfig {
	return &RetryConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1.0, MaxDelay: 20 * time.Millisecond}
}

func startWorker(t *testing.T, c *Client, cfg WorkerConfig) *Worker {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker"
	}
	w, err := NewWorker(c, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, w.Stop(context.Background()))
	})
	return w
}

func waitTerminal(t *testing.T, c *Client, chainID string) *statestore.Job {
	t.Helper()
	job, err := c.WaitForJobChainCompletion(context.Background(), chainID, WaitOptions{
		Timeout:      10 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return job
}

func TestNewWorkerValidation(t *testing.T) {
	c, _ := newTestClient(t, nil)
	noop := func(ctx context.Context, a *Attempt) error { return nil }

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewWorker(c, WorkerConfig{Processors: map[string]Processor{
			"missing": {Handler: noop},
		}})
		var verr *TypeValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, CodeUnknownType, verr.Code)
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := NewWorker(c, WorkerConfig{Processors: map[string]Processor{
			"greet": {},
		}})
		require.Error(t, err)
	})

	t.Run("no processors", func(t *testing.T) {
		_, err := NewWorker(c, WorkerConfig{})
		require.Error(t, err)
	})

	t.Run("renew interval must undercut lease", func(t *testing.T) {
		_, err := NewWorker(c, WorkerConfig{
			Lease:      LeaseConfig{Lease: time.Second, RenewInterval: time.Second},
			Processors: map[string]Processor{"greet": {Handler: noop}},
		})
		require.Error(t, err)
	})
}

func TestWorkerCompletesJob(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {Handler: func(ctx context.Context, a *Attempt) error {
			var name string
			require.NoError(t, json.Unmarshal(a.Job().Input, &name))
			return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				return json.RawMessage(fmt.Sprintf(`"hello %s"`, name)), nil
			})
		}},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet", Input: json.RawMessage(`"ada"`)})
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `"hello ada"`, string(job.Output))
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.CompletedBy)
	assert.Equal(t, "test-worker", *job.CompletedBy)
}

func TestWorkerRetriesFailedAttempt(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	var calls atomic.Int32
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {
			Retry: fastRetry(),
			Handler: func(ctx context.Context, a *Attempt) error {
				if calls.Add(1) == 1 {
					return fmt.Errorf("downstream unavailable")
				}
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"recovered"`), nil
				})
			},
		},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `"recovered"`, string(job.Output))
	assert.Equal(t, 2, job.Attempt)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	require.NotNil(t, job.LastAttemptError)
	assert.Contains(t, *job.LastAttemptError, "downstream unavailable")
}

func TestWorkerHonorsRescheduleError(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	var calls atomic.Int32
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {
			// The default backoff would park the retry for 10 seconds;
			// finishing fast proves the handler's schedule won.
			Handler: func(ctx context.Context, a *Attempt) error {
				if calls.Add(1) == 1 {
					return RescheduleAfter(5*time.Millisecond, fmt.Errorf("not ready"))
				}
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"ready"`), nil
				})
			},
		},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	start := time.Now()
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `"ready"`, string(job.Output))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWorkerRunsContinuationPipeline(t *testing.T) {
	c, store := newTestClient(t, notify.NewInProc())

	startWorker(t, c, WorkerConfig{
		Concurrency: 2,
		Processors: map[string]Processor{
			"report": {Handler: func(ctx context.Context, a *Attempt) error {
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					_, err := cp.ContinueWith(ctx, ContinueWithParams{TypeName: "stage", Input: json.RawMessage(`1`)})
					return nil, err
				})
			}},
			"stage": {Handler: func(ctx context.Context, a *Attempt) error {
				var n int
				require.NoError(t, json.Unmarshal(a.Job().Input, &n))
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					if n < 3 {
						_, err := cp.ContinueWith(ctx, ContinueWithParams{
							TypeName: "stage",
							Input:    json.RawMessage(fmt.Sprintf(`%d`, n+1)),
						})
						return nil, err
					}
					return json.RawMessage(fmt.Sprintf(`%d`, n)), nil
				})
			}},
		},
	})

	chain := startChain(t, c, StartJobChainParams{TypeName: "report"})
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `3`, string(job.Output))
	assert.Equal(t, "stage", job.TypeName)
	assert.Equal(t, "report", job.ChainTypeName)
	assert.Equal(t, chain.ID, job.ChainID)

	// Every job of the chain hangs off the previous one.
	jc, err := store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.True(t, jc.Root.FirstOfChain())
	assert.Equal(t, chain.ID, jc.Latest.RootChainID)
	assert.Nil(t, jc.Root.OriginID)
	require.NotNil(t, jc.Latest.OriginID)
}

func TestWorkerReapsExpiredLeases(t *testing.T) {
	c, store := newTestClient(t, notify.NewInProc())
	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})

	// Simulate a crashed worker: the job is running with a lease that
	// expires almost immediately and nobody renews it.
	res, err := store.AcquireJob(context.Background(), statestore.AcquireJobParams{
		TypeNames:     []string{"greet"},
		WorkerID:      "crashed-worker",
		LeaseDuration: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	time.Sleep(30 * time.Millisecond)

	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {Handler: func(ctx context.Context, a *Attempt) error {
			return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				return json.RawMessage(`"reclaimed"`), nil
			})
		}},
	}})

	job := waitTerminal(t, c, chain.ID)
	assert.JSONEq(t, `"reclaimed"`, string(job.Output))
	require.NotNil(t, job.CompletedBy)
	assert.Equal(t, "test-worker", *job.CompletedBy)
	assert.Equal(t, 2, job.Attempt)

	// The crashed worker's renewal attempt learns the job is gone.
	err = store.RenewJobLease(context.Background(), res.Job.ID, "crashed-worker", time.Minute)
	require.ErrorIs(t, err, statestore.ErrJobAlreadyCompleted)
}

func TestWorkerFanOutFanIn(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	startWorker(t, c, WorkerConfig{
		Concurrency: 4,
		Processors: map[string]Processor{
			"part": {Handler: func(ctx context.Context, a *Attempt) error {
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					// Echo the part's input as its result.
					return a.Job().Input, nil
				})
			}},
			"report": {Handler: func(ctx context.Context, a *Attempt) error {
				total := 0
				for _, out := range a.BlockerOutputs() {
					var n int
					require.NoError(t, json.Unmarshal(out, &n))
					total += n
				}
				require.Len(t, a.Blockers(), 3)
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(fmt.Sprintf(`%d`, total)), nil
				})
			}},
		},
	})

	chain := startChain(t, c, StartJobChainParams{
		TypeName: "report",
		StartBlockers: func(ctx context.Context, b *BlockerStarter) error {
			for i := 1; i <= 3; i++ {
				if _, err := b.Start(ctx, StartBlockerParams{
					TypeName: "part",
					Input:    json.RawMessage(fmt.Sprintf(`%d`, i)),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	})

	job := waitTerminal(t, c, chain.ID)
	assert.JSONEq(t, `6`, string(job.Output))
}

func TestWorkerFailsAttemptWithoutCompletion(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	var calls atomic.Int32
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {
			Retry: fastRetry(),
			Handler: func(ctx context.Context, a *Attempt) error {
				if calls.Add(1) == 1 {
					// Returning nil without Complete is an attempt failure.
					return nil
				}
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"second time"`), nil
				})
			},
		},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `"second time"`, string(job.Output))
	assert.Equal(t, 2, job.Attempt)
}

func TestWorkerContainsHandlerPanic(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	var calls atomic.Int32
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {
			Retry: fastRetry(),
			Handler: func(ctx context.Context, a *Attempt) error {
				if calls.Add(1) == 1 {
					panic("nil map write")
				}
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"survived"`), nil
				})
			},
		},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	job := waitTerminal(t, c, chain.ID)

	assert.JSONEq(t, `"survived"`, string(job.Output))
	require.NotNil(t, job.LastAttemptError)
	assert.Contains(t, *job.LastAttemptError, "handler panic")
}

func TestAttemptPrepareModes(t *testing.T) {
	t.Run("atomic completes inside prepare", func(t *testing.T) {
		c, _ := newTestClient(t, notify.NewInProc())

		startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
			"greet": {Handler: func(ctx context.Context, a *Attempt) error {
				return a.Prepare(ctx, PrepareAtomic, func(ctx context.Context) error {
					return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
						return json.RawMessage(`"atomic"`), nil
					})
				})
			}},
		}})

		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
		job := waitTerminal(t, c, chain.ID)
		assert.JSONEq(t, `"atomic"`, string(job.Output))
	})

	t.Run("atomic without complete fails the attempt", func(t *testing.T) {
		c, _ := newTestClient(t, notify.NewInProc())

		var calls atomic.Int32
		startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
			"greet": {
				Retry: fastRetry(),
				Handler: func(ctx context.Context, a *Attempt) error {
					if calls.Add(1) == 1 {
						return a.Prepare(ctx, PrepareAtomic, func(ctx context.Context) error {
							return nil
						})
					}
					return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
						return json.RawMessage(`"fixed"`), nil
					})
				},
			},
		}})

		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
		job := waitTerminal(t, c, chain.ID)
		assert.JSONEq(t, `"fixed"`, string(job.Output))
		require.NotNil(t, job.LastAttemptError)
		assert.Contains(t, *job.LastAttemptError, "without calling Complete")
	})

	t.Run("staged prepare then complete", func(t *testing.T) {
		c, _ := newTestClient(t, notify.NewInProc())

		var sideEffects atomic.Int32
		startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
			"greet": {Handler: func(ctx context.Context, a *Attempt) error {
				if err := a.Prepare(ctx, PrepareStaged, func(ctx context.Context) error {
					sideEffects.Add(1)
					return nil
				}); err != nil {
					return err
				}
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"staged"`), nil
				})
			}},
		}})

		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
		job := waitTerminal(t, c, chain.ID)
		assert.JSONEq(t, `"staged"`, string(job.Output))
		assert.Equal(t, int32(1), sideEffects.Load())
	})
}

func TestWorkerMiddlewareOrder(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	var order []string
	tag := func(name string) Middleware {
		return func(next AttemptHandler) AttemptHandler {
			return func(ctx context.Context, a *Attempt) error {
				order = append(order, name)
				return next(ctx, a)
			}
		}
	}

	startWorker(t, c, WorkerConfig{
		Middlewares: []Middleware{tag("outer"), tag("inner")},
		Processors: map[string]Processor{
			"greet": {Handler: func(ctx context.Context, a *Attempt) error {
				order = append(order, "handler")
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`1`), nil
				})
			}},
		},
	})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	waitTerminal(t, c, chain.ID)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestWorkerStopDrainsAttempts(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	release := make(chan struct{})
	started := make(chan struct{})
	w, err := NewWorker(c, WorkerConfig{
		WorkerID:     "drain-worker",
		PollInterval: 10 * time.Millisecond,
		Processors: map[string]Processor{
			"greet": {Handler: func(ctx context.Context, a *Attempt) error {
				close(started)
				<-release
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"drained"`), nil
				})
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	<-started

	stopDone := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop(context.Background()))
		close(stopDone)
	}()

	// Stop must wait for the in-flight attempt.
	select {
	case <-stopDone:
		t.Fatal("Stop returned while an attempt was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the attempt finished")
	}

	job := waitTerminal(t, c, chain.ID)
	assert.JSONEq(t, `"drained"`, string(job.Output))
}

func TestWorkerExternalCompletionWins(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())

	blocked := make(chan struct{})
	release := make(chan struct{})
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"greet": {
			Retry: fastRetry(),
			Handler: func(ctx context.Context, a *Attempt) error {
				close(blocked)
				<-release
				// The external completion already finished the job.
				err := a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"from worker"`), nil
				})
				require.ErrorIs(t, err, statestore.ErrJobAlreadyCompleted)
				return err
			},
		},
	}})

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
	<-blocked

	completeChain(t, c, chain.ID, "greet", json.RawMessage(`"external"`))
	close(release)

	job := waitTerminal(t, c, chain.ID)
	assert.JSONEq(t, `"external"`, string(job.Output))
	assert.Nil(t, job.CompletedBy)
}

func TestWorkerLifecycle(t *testing.T) {
	c, _ := newTestClient(t, notify.NewInProc())
	w, err := NewWorker(c, WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		Processors: map[string]Processor{
			"greet": {Handler: func(ctx context.Context, a *Attempt) error {
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`"ok"`), nil
				})
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))

	// Stop races from other goroutines collapse into one shutdown.
	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Stop(context.Background()))
		}()
	}
	wg.Wait()

	// A stopped worker can be started again.
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}

// blockerReadFailStore fails GetJobBlockers for one job a configured
// number of times before delegating.
type blockerReadFailStore struct {
	statestore.Store

	mu       sync.Mutex
	failID   string
	failures int
}

func (s *blockerReadFailStore) arm(jobID string, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failID = jobID
	s.failures = failures
}

func (s *blockerReadFailStore) GetJobBlockers(ctx context.Context, jobID string) ([]*statestore.JobChain, error) {
	s.mu.Lock()
	fail := s.failures > 0 && jobID == s.failID
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("blocker read failed")
	}
	return s.Store.GetJobBlockers(ctx, jobID)
}

func TestWorkerFailsAttemptWhenBlockerReadFails(t *testing.T) {
	store := &blockerReadFailStore{Store: memstate.New()}
	c, err := NewClient(ClientConfig{
		Store:    store,
		Registry: testRegistry(t),
		Notify:   notify.NewInProc(),
	})
	require.NoError(t, err)

	chain := startChain(t, c, StartJobChainParams{
		TypeName: "report",
		StartBlockers: func(ctx context.Context, b *BlockerStarter) error {
			_, err := b.Start(ctx, StartBlockerParams{
				TypeName: "part",
				Input:    json.RawMessage(`7`),
			})
			return err
		},
	})

	jc, err := store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	store.arm(jc.Root.ID, 1)

	var fanInRuns atomic.Int32
	startWorker(t, c, WorkerConfig{Processors: map[string]Processor{
		"part": {Handler: func(ctx context.Context, a *Attempt) error {
			return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				return a.Job().Input, nil
			})
		}},
		"report": {
			Retry: fastRetry(),
			Handler: func(ctx context.Context, a *Attempt) error {
				fanInRuns.Add(1)
				// The attempt whose blocker read failed never gets here.
				require.Len(t, a.Blockers(), 1)
				return a.Complete(ctx, func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return a.BlockerOutputs()[0], nil
				})
			},
		},
	}})

	job := waitTerminal(t, c, chain.ID)
	assert.JSONEq(t, `7`, string(job.Output))
	assert.Equal(t, int32(1), fanInRuns.Load())
	assert.Equal(t, 2, job.Attempt)
	require.NotNil(t, job.LastAttemptError)
	assert.Contains(t, *job.LastAttemptError, "get job blockers")
}
