// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sockdmetrics exposes the dispatcher's and stage workers' runtime
// counters as Prometheus metrics, the same prometheus.Collector-free
// struct-of-typed-metrics shape the teacher's internal/ebpf/metrics package
// uses (NewMetrics building each Counter/Gauge/*Vec up front, a
// RegisterMetrics method calling prometheus.MustRegister).
package sockdmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/sockd/internal/workerpool"
)

// Metrics holds every sockd Prometheus metric. Construct with NewMetrics
// and call RegisterMetrics once before serving /metrics.
type Metrics struct {
	// SessionsAccepted/Failed track the session state machine's terminal
	// transitions (socksession.Closed/Failed), labeled by proxy version.
	SessionsAccepted *prometheus.CounterVec
	SessionsFailed   *prometheus.CounterVec

	// RuleVerdicts counts aclengine.RulesPermit outcomes, labeled by the
	// rule base consulted ("client", "socks") and the verdict reached.
	RuleVerdicts *prometheus.CounterVec

	// PoolFreeSlots mirrors workerpool.Pool.FreeTotal, labeled by stage.
	PoolFreeSlots *prometheus.GaugeVec

	// PoolChildren is the number of live children in a stage's pool.
	PoolChildren *prometheus.GaugeVec

	// ChildDeaths counts reaped children, labeled by stage.
	ChildDeaths *prometheus.CounterVec

	// BandwidthBytes accumulates relayed bytes, labeled by the rule's
	// shared-memory counter id (spec.md §5's bw.* accounting), rendered
	// as a string label since Prometheus labels are text.
	BandwidthBytes *prometheus.CounterVec
}

// NewMetrics builds every metric but does not register it.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockd_sessions_closed_total",
			Help: "Total number of sessions that reached the Closed state.",
		}, []string{"proxy_version"}),

		SessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockd_sessions_failed_total",
			Help: "Total number of sessions that reached the Failed state.",
		}, []string{"proxy_version"}),

		RuleVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockd_rule_verdicts_total",
			Help: "Total number of rule-base evaluations, by rule base and verdict.",
		}, []string{"base", "verdict"}),

		PoolFreeSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sockd_pool_free_slots",
			Help: "Aggregate free slots across a worker pool's children.",
		}, []string{"stage"}),

		PoolChildren: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sockd_pool_children",
			Help: "Number of live children in a worker pool.",
		}, []string{"stage"}),

		ChildDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockd_child_deaths_total",
			Help: "Total number of reaped stage worker children.",
		}, []string{"stage"}),

		BandwidthBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockd_bandwidth_bytes_total",
			Help: "Total bytes relayed, by bandwidth rule shared-memory id.",
		}, []string{"shmid"}),
	}
}

// RegisterMetrics registers every metric with the default Prometheus
// registry, mirroring the teacher's Metrics.RegisterMetrics.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(
		m.SessionsAccepted,
		m.SessionsFailed,
		m.RuleVerdicts,
		m.PoolFreeSlots,
		m.PoolChildren,
		m.ChildDeaths,
		m.BandwidthBytes,
	)
}

// stageLabel renders a workerpool.StageType the way log lines already do.
func stageLabel(stage workerpool.StageType) string {
	switch stage {
	case workerpool.Negotiate:
		return "negotiate"
	case workerpool.Request:
		return "request"
	default:
		return "io"
	}
}

// ObservePool samples one pool's free-slot total and child count into the
// corresponding gauges; the dispatcher calls this once per Step so the
// /metrics endpoint never lags the mother loop by more than one iteration.
func (m *Metrics) ObservePool(stage workerpool.StageType, pool *workerpool.Pool) {
	if pool == nil {
		return
	}
	label := stageLabel(stage)
	m.PoolFreeSlots.WithLabelValues(label).Set(float64(pool.FreeTotal()))
	m.PoolChildren.WithLabelValues(label).Set(float64(len(pool.Slots)))
}

// RecordChildDeath increments the reaped-child counter for stage.
func (m *Metrics) RecordChildDeath(stage workerpool.StageType) {
	m.ChildDeaths.WithLabelValues(stageLabel(stage)).Inc()
}

// RecordRuleVerdict increments the verdict counter for one rule-base pass.
func (m *Metrics) RecordRuleVerdict(base, verdict string) {
	m.RuleVerdicts.WithLabelValues(base, verdict).Inc()
}

// RecordSessionClosed increments the closed-session counter.
func (m *Metrics) RecordSessionClosed(proxyVersion string) {
	m.SessionsAccepted.WithLabelValues(proxyVersion).Inc()
}

// RecordSessionFailed increments the failed-session counter.
func (m *Metrics) RecordSessionFailed(proxyVersion string) {
	m.SessionsFailed.WithLabelValues(proxyVersion).Inc()
}

// AddBytes implements stage.BandwidthCounters, letting IOWorker feed
// relayed byte counts straight into the Prometheus counter without the
// stage package importing Prometheus itself.
func (m *Metrics) AddBytes(shmid int, n int64) {
	if shmid <= 0 || n <= 0 {
		return
	}
	m.BandwidthBytes.WithLabelValues(strconv.Itoa(shmid)).Add(float64(n))
}
