package pkg

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what happens on the event path. A nil Registerer yields
// unregistered collectors, which is what tests use.
type Metrics struct {
	Events            *prometheus.CounterVec
	Overflows         prometheus.Counter
	Timeouts          prometheus.Counter
	Stalls            prometheus.Counter
	UnknownInterrupts prometheus.Counter
	RPCCalls          *prometheus.CounterVec
}

// NewMetrics creates the firmware counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moondancer_usb_events_total",
			Help: "USB events produced by the interrupt translator, by kind.",
		}, []string{"kind"}),
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moondancer_overflows_total",
			Help: "Packets or events dropped because a fixed-size buffer was full.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moondancer_fifo_timeouts_total",
			Help: "Bounded waits for FIFO idle that expired.",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moondancer_control_stalls_total",
			Help: "Control transfers answered with a STALL handshake.",
		}),
		UnknownInterrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moondancer_unknown_interrupts_total",
			Help: "Interrupts whose pending bits matched no known source.",
		}),
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moondancer_rpc_calls_total",
			Help: "RPC verbs dispatched, by verb and result code.",
		}, []string{"verb", "code"}),
	}

	if reg != nil {
		reg.MustRegister(m.Events, m.Overflows, m.Timeouts, m.Stalls, m.UnknownInterrupts, m.RPCCalls)
	}

	return m
}
