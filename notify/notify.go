// Package notify carries the best-effort wake-up signals that connect
// producers to workers and waiters. Notifications may be lost; polling
// is the correctness safety-net, so every listener tolerates silence.
package notify

import "context"

// Adapter is the wake-up bus. All methods are best effort: failures are
// reported but never affect queue state, and producers are never blocked
// for more than the duration of a local send.
type Adapter interface {
	// NotifyJobScheduled announces count new pending jobs of a type.
	NotifyJobScheduled(ctx context.Context, typeName string, count int) error
	// ListenJobScheduled subscribes to scheduling announcements for any
	// of the given types. The returned func disposes the subscription.
	ListenJobScheduled(ctx context.Context, typeNames []string, fn func(typeName string, count int)) (func(), error)

	// NotifyJobChainCompleted announces that a chain reached terminal
	// state.
	NotifyJobChainCompleted(ctx context.Context, chainID string) error
	// ListenJobChainCompleted subscribes to completion of one chain.
	ListenJobChainCompleted(ctx context.Context, chainID string, fn func(chainID string)) (func(), error)

	// NotifyJobOwnershipLost announces that a running job was completed
	// or reaped out from under its lease holder.
	NotifyJobOwnershipLost(ctx context.Context, jobID string) error
	// ListenJobOwnershipLost subscribes to ownership loss of one job.
	ListenJobOwnershipLost(ctx context.Context, jobID string, fn func(jobID string)) (func(), error)
}

// Noop discards every notification. A queue wired with Noop is fully
// functional and relies on polling alone.
type Noop struct{}

var _ Adapter = Noop{}

func (Noop) NotifyJobScheduled(context.Context, string, int) error { return nil }

func (Noop) ListenJobScheduled(context.Context, []string, func(string, int)) (func(), error) {
	return func() {}, nil
}

func (Noop) NotifyJobChainCompleted(context.Context, string) error { return nil }

func (Noop) ListenJobChainCompleted(context.Context, string, func(string)) (func(), error) {
	return func() {}, nil
}

func (Noop) NotifyJobOwnershipLost(context.Context, string) error { return nil }

func (Noop) ListenJobOwnershipLost(context.Context, string, func(string)) (func(), error) {
	return func() {}, nil
}
