package consensus

import "github.com/prometheus/client_golang/prometheus"

// metrics exposes the event loop's view of consensus progress, namespaced
// "dbft" to match this module rather than the teacher's "saiya".
type metrics struct {
	height       prometheus.Gauge
	view         prometheus.Gauge
	halted       prometheus.Gauge
	blocksTotal  prometheus.Counter
	viewChanges  prometheus.Counter
	recoveries   prometheus.Counter
	messagesIn   *prometheus.CounterVec
	messagesOut  *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbft",
			Name:      "height",
			Help:      "Current consensus block index.",
		}),
		view: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbft",
			Name:      "view",
			Help:      "Current consensus view number.",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbft",
			Name:      "halted",
			Help:      "1 if the consensus core has hit an Irrecoverable error and stopped, 0 otherwise.",
		}),
		blocksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "blocks_total",
			Help:      "Total number of blocks accepted by this node's consensus core.",
		}),
		viewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "view_changes_total",
			Help:      "Total number of ChangeView payloads received.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "recoveries_total",
			Help:      "Total number of recovery requests and recovery messages received.",
		}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "messages_in_total",
			Help:      "Consensus payloads received, by type.",
		}, []string{"type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbft",
			Name:      "messages_out_total",
			Help:      "Consensus payloads broadcast, by type.",
		}, []string{"type"}),
	}
	return m
}

// register adds every collector to reg. Called once from NewService; a nil
// reg disables metrics entirely.
func (m *metrics) register(reg prometheus.Registerer) {
	if reg == nil || m == nil {
		return
	}
	reg.MustRegister(m.height, m.view, m.halted, m.blocksTotal, m.viewChanges, m.recoveries, m.messagesIn, m.messagesOut)
}
