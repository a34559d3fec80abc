package notify

import (
	"context"
	"sync"
)

// InProc is a process-local Adapter. It fans every notification out to
// all matching subscribers on fresh goroutines so producers never wait
// on consumer callbacks.
type InProc struct {
	mu        sync.Mutex
	nextID    int
	scheduled map[string]map[int]func(typeName string, count int) // typeName -> sub id -> cb
	completed map[string]map[int]func(chainID string)
	ownership map[string]map[int]func(jobID string)
}

var _ Adapter = (*InProc)(nil)

// NewInProc returns an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{
		scheduled: make(map[string]map[int]func(string, int)),
		completed: make(map[string]map[int]func(string)),
		ownership: make(map[string]map[int]func(string)),
	}
}

func (a *InProc) NotifyJobScheduled(_ context.Context, typeName string, count int) error {
	a.mu.Lock()
	subs := make([]func(string, int), 0, len(a.scheduled[typeName]))
	for _, fn := range a.scheduled[typeName] {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		go fn(typeName, count)
	}
	return nil
}

func (a *InProc) ListenJobScheduled(_ context.Context, typeNames []string, fn func(typeName string, count int)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	for _, name := range typeNames {
		if a.scheduled[name] == nil {
			a.scheduled[name] = make(map[int]func(string, int))
		}
		a.scheduled[name][id] = fn
	}
	names := append([]string(nil), typeNames...)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, name := range names {
			delete(a.scheduled[name], id)
			if len(a.scheduled[name]) == 0 {
				delete(a.scheduled, name)
			}
		}
	}, nil
}

func (a *InProc) NotifyJobChainCompleted(_ context.Context, chainID string) error {
	a.mu.Lock()
	subs := make([]func(string), 0, len(a.completed[chainID]))
	for _, fn := range a.completed[chainID] {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		go fn(chainID)
	}
	return nil
}

func (a *InProc) ListenJobChainCompleted(_ context.Context, chainID string, fn func(chainID string)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	if a.completed[chainID] == nil {
		a.completed[chainID] = make(map[int]func(string))
	}
	a.completed[chainID][id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.completed[chainID], id)
		if len(a.completed[chainID]) == 0 {
			delete(a.completed, chainID)
		}
	}, nil
}

func (a *InProc) NotifyJobOwnershipLost(_ context.Context, jobID string) error {
	a.mu.Lock()
	subs := make([]func(string), 0, len(a.ownership[jobID]))
	for _, fn := range a.ownership[jobID] {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		go fn(jobID)
	}
	return nil
}

func (a *InProc) ListenJobOwnershipLost(_ context.Context, jobID string, fn func(jobID string)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	if a.ownership[jobID] == nil {
		a.ownership[jobID] = make(map[int]func(string))
	}
	a.ownership[jobID][id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.ownership[jobID], id)
		if len(a.ownership[jobID]) == 0 {
			delete(a.ownership, jobID)
		}
	}, nil
}
