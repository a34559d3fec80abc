package notify

import (
	"context"
	"sync"
)

type batchKey struct{}

// Batch accumulates notifications produced inside a transaction so they
// can be flushed after commit. Consumers then safely assume the
// triggering mutation is visible. Safe for concurrent use.
type Batch struct {
	mu            sync.Mutex
	scheduled     map[string]int
	chains        map[string]struct{}
	ownershipLost map[string]struct{}
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{
		scheduled:     make(map[string]int),
		chains:        make(map[string]struct{}),
		ownershipLost: make(map[string]struct{}),
	}
}

// NewContext attaches the batch to ctx. When ctx already carries a
// batch, the outer one is kept so nested scopes join it.
func NewContext(ctx context.Context, b *Batch) context.Context {
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, batchKey{}, b)
}

// FromContext returns the batch carried by ctx, if any.
func FromContext(ctx context.Context) (*Batch, bool) {
	b, ok := ctx.Value(batchKey{}).(*Batch)
	return b, ok
}

// AddJobScheduled records that count jobs of a type became pending.
func (b *Batch) AddJobScheduled(typeName string, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled[typeName] += count
}

// AddChainCompleted records that a chain reached terminal state.
func (b *Batch) AddChainCompleted(chainID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chains[chainID] = struct{}{}
}

// AddOwnershipLost records that a running job changed hands.
func (b *Batch) AddOwnershipLost(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ownershipLost[jobID] = struct{}{}
}

// Flush sends every buffered notification to the adapter concurrently
// and waits for all sends. Failures are reported to onError (when
// non-nil) and otherwise discarded: notifications are best effort and a
// flush failure only delays consumers until their next poll.
func (b *Batch) Flush(ctx context.Context, adapter Adapter, onError func(error)) {
	b.mu.Lock()
	scheduled := b.scheduled
	chains := b.chains
	ownership := b.ownershipLost
	b.scheduled = make(map[string]int)
	b.chains = make(map[string]struct{})
	b.ownershipLost = make(map[string]struct{})
	b.mu.Unlock()

	report := func(err error) {
		if err != nil && onError != nil {
			onError(err)
		}
	}

	var wg sync.WaitGroup
	for typeName, count := range scheduled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report(adapter.NotifyJobScheduled(ctx, typeName, count))
		}()
	}
	for chainID := range chains {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report(adapter.NotifyJobChainCompleted(ctx, chainID))
		}()
	}
	for jobID := range ownership {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report(adapter.NotifyJobOwnershipLost(ctx, jobID))
		}()
	}
	wg.Wait()
}
