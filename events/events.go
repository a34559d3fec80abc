// Package events is the typed observability stream of the queue. The
// engine emits a tagged record for every lifecycle transition; sinks
// decide what to do with them. Payloads never appear in events, so
// nothing secret leaks through a sink.
package events

import (
	"context"
	"time"
)

// Kind tags an event record.
type Kind string

const (
	KindWorkerStarted Kind = "worker_started"
	KindWorkerStopped Kind = "worker_stopped"
	KindWorkerError   Kind = "worker_error"

	KindJobCreated              Kind = "job_created"
	KindJobAttemptStarted       Kind = "job_attempt_started"
	KindJobAttemptCompleted     Kind = "job_attempt_completed"
	KindJobCompleted            Kind = "job_completed"
	KindJobAttemptFailed        Kind = "job_attempt_failed"
	KindJobBlocked              Kind = "job_blocked"
	KindJobUnblocked            Kind = "job_unblocked"
	KindJobReaped               Kind = "job_reaped"
	KindJobTakenByAnotherWorker Kind = "job_taken_by_another_worker"
	KindJobLeaseExpired         Kind = "job_lease_expired"

	KindJobChainCreated   Kind = "job_chain_created"
	KindJobChainCompleted Kind = "job_chain_completed"
	KindJobChainDeleted   Kind = "job_chain_deleted"

	KindNotifyAdapterError   Kind = "notify_adapter_error"
	KindStateAdapterError    Kind = "state_adapter_error"
	KindNotifyContextAbsence Kind = "notify_context_absence"
)

// Event is one observability record. Fields that do not apply to a kind
// are left zero.
type Event struct {
	Kind Kind
	Time time.Time

	WorkerID    string
	JobID       string
	ChainID     string
	RootChainID string
	TypeName    string
	Attempt     int

	// Op names the originating operation for adapter errors.
	Op  string
	Err error
}

// Sink consumes events. Implementations must not block the caller for
// long; the engine emits events on its hot paths.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Noop discards all events.
var Noop Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) {
		for _, s := range sinks {
			s.Emit(ctx, e)
		}
	})
}
