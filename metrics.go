package beancore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "beancore"

// Invocation outcomes recorded by Metrics.
const (
	outcomeOK         = "ok"
	outcomeChecked    = "checked"
	outcomeSystem     = "system"
	outcomeRolledBack = "rolled_back"
	outcomeRejected   = "rejected"
)

// Metrics exposes container activity as Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	beansCreated    *prometheus.CounterVec
	beansDestroyed  *prometheus.CounterVec
	beansDiscarded  *prometheus.CounterVec
	beansPassivated *prometheus.CounterVec
	beansActivated  *prometheus.CounterVec
	beansReclaimed  *prometheus.CounterVec
	poolRequests    *prometheus.CounterVec
	invocations     *prometheus.CounterVec
	invocationTime  *prometheus.HistogramVec
	sessions        *prometheus.GaugeVec
	stacksDegraded  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		beansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_created_total",
			Help:      "Count of component instances constructed.",
		}, []string{"home"}),
		beansDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_destroyed_total",
			Help:      "Count of component instances destroyed.",
		}, []string{"home"}),
		beansDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_discarded_total",
			Help:      "Count of component instances discarded after a failure.",
		}, []string{"home"}),
		beansPassivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_passivated_total",
			Help:      "Count of stateful sessions written to the passivation store.",
		}, []string{"home"}),
		beansActivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_activated_total",
			Help:      "Count of stateful sessions restored from the passivation store.",
		}, []string{"home"}),
		beansReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "beans_reclaimed_total",
			Help:      "Count of managed instances destroyed by the reclaim cache.",
		}, []string{"home"}),
		poolRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "pool_requests_total",
			Help:      "Count of stateless pool requests by result (hit or miss).",
		}, []string{"home", "result"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "invocations_total",
			Help:      "Count of dispatched business method calls by outcome.",
		}, []string{"home", "outcome"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: metricsSubsystem,
			Name:      "invocation_duration_seconds",
			Help:      "Latency of dispatched business method calls, bookkeeping included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"home"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "sessions_active",
			Help:      "Number of stateful sessions held in memory.",
		}, []string{"home"}),
		stacksDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "method_stacks_degraded_total",
			Help:      "Count of method info stacks that fell back to allocating after a release out of order.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.beansCreated, m.beansDestroyed, m.beansDiscarded, m.beansPassivated,
		m.beansActivated, m.beansReclaimed, m.poolRequests, m.invocations,
		m.invocationTime, m.sessions, m.stacksDegraded,
	}
}

func (m *Metrics) beanCreated(home string) {
	if m != nil {
		m.beansCreated.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) beanDestroyed(home string) {
	if m != nil {
		m.beansDestroyed.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) beanDiscarded(home string) {
	if m != nil {
		m.beansDiscarded.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) beanPassivated(home string) {
	if m != nil {
		m.beansPassivated.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) beanActivated(home string) {
	if m != nil {
		m.beansActivated.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) beanReclaimed(home string) {
	if m != nil {
		m.beansReclaimed.WithLabelValues(home).Inc()
	}
}

func (m *Metrics) poolRequest(home string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.poolRequests.WithLabelValues(home, result).Inc()
}

func (m *Metrics) invocation(home, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(home, outcome).Inc()
	m.invocationTime.WithLabelValues(home).Observe(d.Seconds())
}

func (m *Metrics) sessionsActive(home string, n int) {
	if m != nil {
		m.sessions.WithLabelValues(home).Set(float64(n))
	}
}

func (m *Metrics) stackDegraded() {
	if m != nil {
		m.stacksDegraded.Inc()
	}
}
