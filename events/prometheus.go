package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts job lifecycle events per type name and tracks
// the number of in-flight attempts.
type PrometheusSink struct {
	lifecycle *prometheus.CounterVec
	errors    *prometheus.CounterVec
	inFlight  prometheus.Gauge
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink registers the queue metrics on reg. Passing nil uses
// the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainq_job_events_total",
			Help: "Job lifecycle events by kind and job type",
		}, []string{"kind", "type_name"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainq_adapter_errors_total",
			Help: "State and notify adapter errors by originating operation",
		}, []string{"kind", "op"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainq_attempts_in_flight",
			Help: "Attempts currently running on this process",
		}),
	}
	reg.MustRegister(s.lifecycle, s.errors, s.inFlight)
	return s
}

func (s *PrometheusSink) Emit(_ context.Context, e Event) {
	switch e.Kind {
	case KindStateAdapterError, KindNotifyAdapterError:
		s.errors.WithLabelValues(string(e.Kind), e.Op).Inc()
	case KindJobAttemptStarted:
		s.inFlight.Inc()
		s.lifecycle.WithLabelValues(string(e.Kind), e.TypeName).Inc()
	case KindJobAttemptCompleted, KindJobAttemptFailed:
		s.inFlight.Dec()
		s.lifecycle.WithLabelValues(string(e.Kind), e.TypeName).Inc()
	default:
		s.lifecycle.WithLabelValues(string(e.Kind), e.TypeName).Inc()
	}
}
