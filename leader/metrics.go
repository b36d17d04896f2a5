package leader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tick stages reported in tick_errors_total.
const (
	StageLedger = "ledger"
	StageProbe  = "probe"
	StageVote   = "vote"
)

// Metrics exposes Prometheus metrics for the leader monitor.
type Metrics struct {
	ticks         prometheus.Counter
	tickErrors    *prometheus.CounterVec
	votes         *prometheus.CounterVec
	probeFailures prometheus.Counter
	isLeader      prometheus.Gauge
}

// NewMetrics registers monitor metrics with the provided registry.
// A nil registry leaves the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leader_monitor_ticks_total",
			Help: "Total number of leader monitoring ticks",
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leader_monitor_tick_errors_total",
			Help: "Monitoring ticks that ended early, by stage",
		}, []string{"stage"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leader_monitor_votes_total",
			Help: "Votes submitted about the current leader, by kind",
		}, []string{"kind"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leader_monitor_probe_failures_total",
			Help: "Failed health probes of the current leader",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leader_monitor_is_leader",
			Help: "1 while the ledger names this node as leader",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.ticks, m.tickErrors, m.votes, m.probeFailures, m.isLeader)
	}
	return m
}

func (m *Metrics) observeTick() { m.ticks.Inc() }

func (m *Metrics) observeTickError(stage string) {
	m.tickErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) observeProbeFailure() { m.probeFailures.Inc() }

func (m *Metrics) observeVote(noConfidence bool) {
	kind := "confidence"
	if noConfidence {
		kind = "no_confidence"
	}
	m.votes.WithLabelValues(kind).Inc()
}

func (m *Metrics) setLeader(isLeader bool) {
	if isLeader {
		m.isLeader.Set(1)
	} else {
		m.isLeader.Set(0)
	}
}
