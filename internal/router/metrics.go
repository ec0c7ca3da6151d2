package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts every per-message outcome. Decode and routing failures are
// observable only here and in logs, never through client-visible errors.
type Metrics struct {
	Decoded             *prometheus.CounterVec
	UnknownType         prometheus.Counter
	MissingInvocationID prometheus.Counter
	AckFailures         prometheus.Counter
	FrameFailures       prometheus.Counter
}

// NewMetrics registers the router counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "router",
			Name:      "events_decoded_total",
			Help:      "Events decoded and routed, by envelope type.",
		}, []string{"type"}),
		UnknownType: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "router",
			Name:      "events_unknown_type_total",
			Help:      "Events dropped because no configured envelope type matched.",
		}),
		MissingInvocationID: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "router",
			Name:      "events_missing_invocation_id_total",
			Help:      "Decoded events without an extractable invocation id.",
		}),
		AckFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "router",
			Name:      "ack_publish_failures_total",
			Help:      "Acknowledgement commands that failed to publish.",
		}),
		FrameFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "router",
			Name:      "frame_encode_failures_total",
			Help:      "Decoded events dropped because the wire frame could not be encoded.",
		}),
	}
}
