package events

import (
	"context"
	"log/slog"
)

// NewSlogSink logs every event through the given logger, choosing the
// level from the event kind. Passing nil uses slog.Default.
func NewSlogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(ctx context.Context, e Event) {
		attrs := make([]any, 0, 16)
		attrs = append(attrs, "kind", string(e.Kind))
		if e.WorkerID != "" {
			attrs = append(attrs, "worker_id", e.WorkerID)
		}
		if e.JobID != "" {
			attrs = append(attrs, "job_id", e.JobID)
		}
		if e.ChainID != "" {
			attrs = append(attrs, "chain_id", e.ChainID)
		}
		if e.RootChainID != "" && e.RootChainID != e.ChainID {
			attrs = append(attrs, "root_chain_id", e.RootChainID)
		}
		if e.TypeName != "" {
			attrs = append(attrs, "type_name", e.TypeName)
		}
		if e.Attempt > 0 {
			attrs = append(attrs, "attempt", e.Attempt)
		}
		if e.Op != "" {
			attrs = append(attrs, "op", e.Op)
		}
		if e.Err != nil {
			attrs = append(attrs, "error", e.Err)
		}
		logger.LogAttrs(ctx, level(e.Kind), "queue event", argsToAttrs(attrs)...)
	})
}

func level(k Kind) slog.Level {
	switch k {
	case KindWorkerError, KindStateAdapterError:
		return slog.LevelError
	case KindJobAttemptFailed, KindJobReaped, KindJobTakenByAnotherWorker,
		KindJobLeaseExpired, KindNotifyAdapterError, KindNotifyContextAbsence:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		attrs = append(attrs, slog.Any(args[i].(string), args[i+1]))
	}
	return attrs
}
