package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// Metrics records dispatch outcomes. A nil *Metrics records nothing.
type Metrics struct {
	offersTotal   *prometheus.CounterVec
	missesTotal   *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	agents        *prometheus.GaugeVec
}

// NewMetrics registers the dispatch collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		offersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_offers_total",
				Help: "Total number of call-to-queue offers emitted, by trigger",
			},
			[]string{"trigger"},
		),
		missesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_missed_offers_total",
				Help: "Total number of offers that were missed or timed out",
			},
			[]string{"reason"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_failures_total",
				Help: "Total number of dispatch steps that failed on an external call",
			},
			[]string{"stage"},
		),
		agents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_agents",
				Help: "Number of known agents by status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) offer(trigger string) {
	if m == nil {
		return
	}
	m.offersTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) miss(reason string) {
	if m == nil {
		return
	}
	m.missesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) failure(stage string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) setAgents(counts map[domain.AgentStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []domain.AgentStatus{domain.AgentStatusReady, domain.AgentStatusOffered} {
		m.agents.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
