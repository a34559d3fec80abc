package chainq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/chainq/memstate"
	"github.com/rezkam/chainq/notify"
	"github.com/rezkam/chainq/statestore"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		JobType{Name: "greet", Kind: KindEntry},
		JobType{Name: "report", Kind: KindEntry, Continuations: []string{"stage"}, Blockers: []string{"part"}},
		JobType{Name: "stage", Kind: KindInternal, Continuations: []string{"stage"}},
		JobType{Name: "part", Kind: KindInternal},
	)
	require.NoError(t, err)
	return r
}

func newTestClient(t *testing.T, bus notify.Adapter) (*Client, statestore.Store) {
	t.Helper()
	store := memstate.New()
	client, err := NewClient(ClientConfig{
		Store:    store,
		Registry: testRegistry(t),
		Notify:   bus,
	})
	require.NoError(t, err)
	return client, store
}

func startChain(t *testing.T, c *Client, params StartJobChainParams) *Chain {
	t.Helper()
	var chain *Chain
	err := c.WithNotify(context.Background(), func(ctx context.Context) error {
		var err error
		chain, err = c.StartJobChain(ctx, params)
		return err
	})
	require.NoError(t, err)
	return chain
}

func completeChain(t *testing.T, c *Client, chainID, typeName string, output json.RawMessage) {
	t.Helper()
	err := c.WithNotify(context.Background(), func(ctx context.Context) error {
		_, err := c.CompleteJobChain(ctx, CompleteJobChainParams{
			ID:       chainID,
			TypeName: typeName,
			Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				return output, nil
			},
		})
		return err
	})
	require.NoError(t, err)
}

func TestStartJobChainRequiresTransaction(t *testing.T) {
	c, _ := newTestClient(t, nil)
	_, err := c.StartJobChain(context.Background(), StartJobChainParams{TypeName: "greet"})
	require.ErrorIs(t, err, statestore.ErrNotInTransaction)
}

func TestStartJobChainValidation(t *testing.T) {
	c, store := newTestClient(t, nil)

	err := store.RunInTransaction(context.Background(), func(ctx context.Context) error {
		_, err := c.StartJobChain(ctx, StartJobChainParams{TypeName: "missing"})
		var verr *TypeValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, CodeUnknownType, verr.Code)

		_, err = c.StartJobChain(ctx, StartJobChainParams{TypeName: "stage"})
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, CodeNotEntry, verr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestStartJobChainCreatesPendingChain(t *testing.T) {
	c, store := newTestClient(t, nil)

	chain := startChain(t, c, StartJobChainParams{TypeName: "greet", Input: json.RawMessage(`{"name":"ada"}`)})
	require.NotEmpty(t, chain.ID)
	assert.Equal(t, "greet", chain.TypeName)
	assert.False(t, chain.Deduplicated)

	jc, err := store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusPending, jc.Root.Status)
	assert.Equal(t, chain.ID, jc.Root.ChainID)
	assert.Equal(t, chain.ID, jc.Root.RootChainID)
	assert.True(t, jc.Root.FirstOfChain())
	assert.False(t, jc.Terminal())
}

func TestStartJobChainDeduplicates(t *testing.T) {
	c, _ := newTestClient(t, nil)
	dedup := &statestore.Deduplication{Key: "daily-report", Scope: statestore.DedupIncomplete}

	first := startChain(t, c, StartJobChainParams{TypeName: "greet", Deduplication: dedup})
	second := startChain(t, c, StartJobChainParams{TypeName: "greet", Deduplication: dedup})

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ID, second.ID)

	// A completed chain stops matching under the incomplete scope.
	completeChain(t, c, first.ID, "greet", json.RawMessage(`"done"`))
	third := startChain(t, c, StartJobChainParams{TypeName: "greet", Deduplication: dedup})
	assert.False(t, third.Deduplicated)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestStartJobChainWithBlockers(t *testing.T) {
	c, store := newTestClient(t, nil)

	var blockerIDs []string
	chain := startChain(t, c, StartJobChainParams{
		TypeName: "report",
		StartBlockers: func(ctx context.Context, b *BlockerStarter) error {
			for _, input := range []string{`"east"`, `"west"`} {
				part, err := b.Start(ctx, StartBlockerParams{TypeName: "part", Input: json.RawMessage(input)})
				if err != nil {
					return err
				}
				blockerIDs = append(blockerIDs, part.ID)
			}
			return nil
		},
	})
	require.Len(t, blockerIDs, 2)

	jc, err := store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusBlocked, jc.Root.Status)

	blockers, err := store.GetJobBlockers(context.Background(), jc.Root.ID)
	require.NoError(t, err)
	require.Len(t, blockers, 2)
	assert.Equal(t, blockerIDs[0], blockers[0].Root.ChainID)
	assert.Equal(t, blockerIDs[1], blockers[1].Root.ChainID)

	// Blocker chains inherit the parent's root and record their origin.
	assert.Equal(t, chain.ID, blockers[0].Root.RootChainID)
	require.NotNil(t, blockers[0].Root.OriginID)
	assert.Equal(t, jc.Root.ID, *blockers[0].Root.OriginID)

	// The dependent wakes only after the last blocker completes.
	completeChain(t, c, blockerIDs[0], "part", json.RawMessage(`1`))
	jc, err = store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusBlocked, jc.Root.Status)

	completeChain(t, c, blockerIDs[1], "part", json.RawMessage(`2`))
	jc, err = store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusPending, jc.Root.Status)
}

func TestCompleteJobChain(t *testing.T) {
	t.Run("completes externally", func(t *testing.T) {
		c, store := newTestClient(t, nil)
		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})

		var result *statestore.Job
		err := c.WithNotify(context.Background(), func(ctx context.Context) error {
			var err error
			result, err = c.CompleteJobChain(ctx, CompleteJobChainParams{
				ID:       chain.ID,
				TypeName: "greet",
				Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					assert.Equal(t, chain.ID, cp.Job().ChainID)
					return json.RawMessage(`"approved"`), nil
				},
			})
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, statestore.StatusCompleted, result.Status)
		assert.JSONEq(t, `"approved"`, string(result.Output))

		jc, err := store.GetJobChain(context.Background(), chain.ID)
		require.NoError(t, err)
		require.True(t, jc.Terminal())
		// No worker completed this job.
		assert.Nil(t, jc.Latest.CompletedBy)
	})

	t.Run("requires transaction", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		_, err := c.CompleteJobChain(context.Background(), CompleteJobChainParams{ID: "x", TypeName: "greet"})
		require.ErrorIs(t, err, statestore.ErrNotInTransaction)
	})

	t.Run("rejects wrong type", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})

		err := c.WithNotify(context.Background(), func(ctx context.Context) error {
			_, err := c.CompleteJobChain(ctx, CompleteJobChainParams{
				ID:       chain.ID,
				TypeName: "report",
				Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`1`), nil
				},
			})
			return err
		})
		require.Error(t, err)
	})

	t.Run("already completed", func(t *testing.T) {
		c, _ := newTestClient(t, nil)
		chain := startChain(t, c, StartJobChainParams{TypeName: "greet"})
		completeChain(t, c, chain.ID, "greet", json.RawMessage(`1`))

		err := c.WithNotify(context.Background(), func(ctx context.Context) error {
			_, err := c.CompleteJobChain(ctx, CompleteJobChainParams{
				ID:       chain.ID,
				TypeName: "greet",
				Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
					return json.RawMessage(`1`), nil
				},
			})
			return err
		})
		require.ErrorIs(t, err, statestore.ErrJobAlreadyCompleted)
	})
}

func TestCompletionContinueWith(t *testing.T) {
	c, store := newTestClient(t, nil)
	chain := startChain(t, c, StartJobChainParams{TypeName: "report"})

	var next *statestore.Job
	err := c.WithNotify(context.Background(), func(ctx context.Context) error {
		var err error
		next, err = c.CompleteJobChain(ctx, CompleteJobChainParams{
			ID:       chain.ID,
			TypeName: "report",
			Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				nj, err := cp.ContinueWith(ctx, ContinueWithParams{TypeName: "stage", Input: json.RawMessage(`1`)})
				require.NoError(t, err)
				require.NotNil(t, nj)

				// Only one continuation per completion.
				_, err = cp.ContinueWith(ctx, ContinueWithParams{TypeName: "stage"})
				require.Error(t, err)
				return nil, nil
			},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "stage", next.TypeName)
	assert.Equal(t, chain.ID, next.ChainID)
	assert.Equal(t, "report", next.ChainTypeName)

	// The chain is not terminal: its latest job is the pending stage.
	jc, err := store.GetJobChain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.False(t, jc.Terminal())
	assert.Equal(t, next.ID, jc.Latest.ID)
	assert.Equal(t, statestore.StatusPending, jc.Latest.Status)
	require.NotNil(t, jc.Latest.OriginID)
	assert.Equal(t, jc.Root.ID, *jc.Latest.OriginID)
}

func TestCompletionRejectsOutputAndContinuation(t *testing.T) {
	c, _ := newTestClient(t, nil)
	chain := startChain(t, c, StartJobChainParams{TypeName: "report"})

	err := c.WithNotify(context.Background(), func(ctx context.Context) error {
		_, err := c.CompleteJobChain(ctx, CompleteJobChainParams{
			ID:       chain.ID,
			TypeName: "report",
			Complete: func(ctx context.Context, cp *Completion) (json.RawMessage, error) {
				if _, err := cp.ContinueWith(ctx, ContinueWithParams{TypeName: "stage"}); err != nil {
					return nil, err
				}
				return json.RawMessage(`"both"`), nil
			},
		})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output and a continuation")
}

func TestDeleteJobChainTrees(t *testing.T) {
	c, store := newTestClient(t, nil)

	// An outside chain blocking on a part inside the tree forbids deletion.
	var partID string
	tree := startChain(t, c, StartJobChainParams{
		TypeName: "report",
		StartBlockers: func(ctx context.Context, b *BlockerStarter) error {
			part, err := b.Start(ctx, StartBlockerParams{TypeName: "part"})
			if err != nil {
				return err
			}
			partID = part.ID
			return nil
		},
	})

	outsider := startChain(t, c, StartJobChainParams{TypeName: "report"})
	err := store.RunInTransaction(context.Background(), func(ctx context.Context) error {
		jc, err := store.GetJobChain(ctx, outsider.ID)
		if err != nil {
			return err
		}
		_, err = store.AddJobBlockers(ctx, statestore.AddJobBlockersParams{
			JobID:             jc.Root.ID,
			BlockedByChainIDs: []string{partID},
		})
		return err
	})
	require.NoError(t, err)

	err = c.DeleteJobChainTrees(context.Background(), tree.ID)
	var eb *ExternalBlockersError
	require.ErrorAs(t, err, &eb)
	require.NotEmpty(t, eb.JobIDs)

	// Removing the outside dependent makes the tree deletable.
	require.NoError(t, c.DeleteJobChainTrees(context.Background(), outsider.ID))
	require.NoError(t, c.DeleteJobChainTrees(context.Background(), tree.ID))

	_, err = store.GetJobChain(context.Background(), tree.ID)
	require.ErrorIs(t, err, statestore.ErrChainNotFound)
	_, err = store.GetJobChain(context.Background(), partID)
	require.ErrorIs(t, err, statestore.ErrChainNotFound)
}

func TestWithNotifyFlushesAfterCommit(t *testing.T) {
	bus := notify.NewInProc()
	c, _ := newTestClient(t, bus)

	got := make(chan string, 10)
	dispose, err := bus.ListenJobScheduled(context.Background(), []string{"greet"}, func(typeName string, count int) {
		got <- typeName
	})
	require.NoError(t, err)
	defer dispose()

	startChain(t, c, StartJobChainParams{TypeName: "greet"})

	select {
	case name := <-got:
		assert.Equal(t, "greet", name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a scheduled notification after commit")
	}
}

func TestWithNotifySkipsFlushOnRollback(t *testing.T) {
	bus := notify.NewInProc()
	c, _ := newTestClient(t, bus)

	got := make(chan string, 10)
	dispose, err := bus.ListenJobScheduled(context.Background(), []string{"greet"}, func(typeName string, count int) {
		got <- typeName
	})
	require.NoError(t, err)
	defer dispose()

	err = c.WithNotify(context.Background(), func(ctx context.Context) error {
		if _, err := c.StartJobChain(ctx, StartJobChainParams{TypeName: "greet"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	select {
	case <-got:
		t.Fatal("rolled back transaction must not notify")
	case <-time.After(100 * time.Millisecond):
	}
}
