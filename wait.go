package chainq

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/chainq/events"
	"github.com/rezkam/chainq/statestore"
)

// DefaultWaitPollInterval bounds how long a waiter trusts a missed
// notification before re-reading the chain.
const DefaultWaitPollInterval = 15 * time.Second

// WaitOptions configures WaitForJobChainCompletion.
type WaitOptions struct {
	// Timeout bounds the whole wait. Zero means no timeout; the caller
	// then controls the wait through ctx alone.
	Timeout time.Duration
	// PollInterval is the notification-loss safety net, default 15s.
	PollInterval time.Duration
}

// WaitForJobChainCompletion blocks until the chain reaches terminal
// state and returns its last job (whose Output is the chain's result).
// Completion notifications wake the waiter early; polling guarantees
// progress when notifications are lost. Cancellation of ctx fails the
// wait with reason "aborted", an elapsed Timeout with reason "timeout".
func (c *Client) WaitForJobChainCompletion(ctx context.Context, chainID string, opts WaitOptions) (*statestore.Job, error) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultWaitPollInterval
	}

	check := func() (*statestore.Job, error) {
		chain, err := c.store.GetJobChain(ctx, chainID)
		if err != nil {
			return nil, fmt.Errorf("get job chain: %w", err)
		}
		if chain.Terminal() {
			return chain.Latest, nil
		}
		return nil, nil
	}

	if job, err := check(); err != nil || job != nil {
		return job, err
	}

	completed := make(chan struct{}, 1)
	dispose, err := c.notify.ListenJobChainCompleted(ctx, chainID, func(string) {
		select {
		case completed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		// Degrade to pure polling.
		c.emit(ctx, events.Event{Kind: events.KindNotifyAdapterError, ChainID: chainID, Op: "listen_chain_completed", Err: err})
		dispose = func() {}
	}
	defer dispose()

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		t := c.clk.NewTimer(opts.Timeout)
		defer t.Stop()
		deadline = t.C()
	}

	for {
		pollTimer := c.clk.NewTimer(poll)
		select {
		case <-ctx.Done():
			pollTimer.Stop()
			return nil, &WaitTimeoutError{ChainID: chainID, Reason: "aborted"}
		case <-deadline:
			pollTimer.Stop()
			return nil, &WaitTimeoutError{ChainID: chainID, Reason: "timeout"}
		case <-completed:
		case <-pollTimer.C():
		}
		pollTimer.Stop()

		if job, err := check(); err != nil || job != nil {
			return job, err
		}
	}
}
