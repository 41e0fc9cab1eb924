package device

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of process-wide counters/gauges exported for the
// mediator (SPEC_FULL.md's DOMAIN STACK: "VRAM pages allocated/free, channel
// attach/detach, OutOfVram occurrences, command counts per BAR").
type Metrics struct {
	VRAMPagesAllocated prometheus.Counter
	VRAMPagesFreed     prometheus.Counter
	VRAMOutOfMemory    prometheus.Counter
	ChannelAttaches    prometheus.Counter
	ChannelDetaches    prometheus.Counter
	CommandsByBAR      *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
}

// NewMetrics constructs and registers the mediator's metrics against reg.
// Pass a fresh prometheus.NewRegistry() in tests to avoid collisions with
// the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VRAMPagesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "vram",
			Name:      "pages_allocated_total",
			Help:      "VRAM pages handed out by the allocator.",
		}),
		VRAMPagesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "vram",
			Name:      "pages_freed_total",
			Help:      "VRAM pages returned to the allocator.",
		}),
		VRAMOutOfMemory: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "vram",
			Name:      "out_of_memory_total",
			Help:      "Allocation requests that failed to find a contiguous run.",
		}),
		ChannelAttaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "channel",
			Name:      "attaches_total",
			Help:      "Successful channel attach operations.",
		}),
		ChannelDetaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "channel",
			Name:      "detaches_total",
			Help:      "Successful channel detach operations.",
		}),
		CommandsByBAR: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gxen",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Dispatched wire commands, partitioned by target BAR.",
		}, []string{"bar"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gxen",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently in the Serving state.",
		}),
	}
	reg.MustRegister(
		m.VRAMPagesAllocated,
		m.VRAMPagesFreed,
		m.VRAMOutOfMemory,
		m.ChannelAttaches,
		m.ChannelDetaches,
		m.CommandsByBAR,
		m.SessionsActive,
	)
	return m
}
