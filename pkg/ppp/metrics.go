package ppp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the orchestrator. It implements
// prometheus.Collector so callers register it alongside their other
// collectors; a nil *Metrics disables instrumentation entirely.
type Metrics struct {
	framesRx    *prometheus.CounterVec
	framesTx    *prometheus.CounterVec
	retransmits *prometheus.CounterVec
	drops       prometheus.Counter
	phase       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		framesRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppptun",
			Subsystem: "ppp",
			Name:      "frames_received_total",
			Help:      "PPP frames received, by protocol.",
		}, []string{"proto"}),
		framesTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppptun",
			Subsystem: "ppp",
			Name:      "frames_sent_total",
			Help:      "PPP frames sent, by protocol.",
		}, []string{"proto"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppptun",
			Subsystem: "ppp",
			Name:      "configure_retransmits_total",
			Help:      "Configure-Request retransmissions, by NCP.",
		}, []string{"proto"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ppptun",
			Subsystem: "ppp",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped for outer header mismatch or wrong phase.",
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ppptun",
			Subsystem: "ppp",
			Name:      "phase",
			Help:      "Current PPP phase (0=DEAD through 5=TERMINATE).",
		}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.framesRx.Describe(ch)
	m.framesTx.Describe(ch)
	m.retransmits.Describe(ch)
	m.drops.Describe(ch)
	m.phase.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.framesRx.Collect(ch)
	m.framesTx.Collect(ch)
	m.retransmits.Collect(ch)
	m.drops.Collect(ch)
	m.phase.Collect(ch)
}

func (m *Metrics) observeRx(proto uint16) {
	if m == nil {
		return
	}
	m.framesRx.WithLabelValues(protoName(proto)).Inc()
}

func (m *Metrics) observeTx(proto uint16) {
	if m == nil {
		return
	}
	m.framesTx.WithLabelValues(protoName(proto)).Inc()
}

func (m *Metrics) observeRetransmit(proto uint16) {
	if m == nil {
		return
	}
	m.retransmits.WithLabelValues(protoName(proto)).Inc()
}

func (m *Metrics) observeDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *Metrics) observePhase(p Phase) {
	if m == nil {
		return
	}
	m.phase.Set(float64(p))
}
