package ldappool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig configures the Prometheus collector
type PrometheusConfig struct {
	Namespace   string            // Metrics namespace (e.g., "ldappool")
	ConstLabels prometheus.Labels // Labels added to every metric
}

// DefaultPrometheusConfig returns sensible defaults for Prometheus export
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{Namespace: "ldappool"}
}

// Collector exports Manager.Stats as Prometheus metrics. Gauges and
// counters carry a mechanism label; per-identity detail is left to
// WriteStats to keep label cardinality bounded.
type Collector struct {
	manager *Manager

	connections *prometheus.Desc
	groups      *prometheus.Desc
	created     *prometheus.Desc
	reused      *prometheus.Desc
	closed      *prometheus.Desc
	timeouts    *prometheus.Desc
	unpooled    *prometheus.Desc
	breaker     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m. Register it with a
// prometheus.Registerer to expose it.
func NewCollector(m *Manager, config *PrometheusConfig) *Collector {
	if config == nil {
		config = DefaultPrometheusConfig()
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(config.Namespace, "", name), help, labels, config.ConstLabels)
	}

	return &Collector{
		manager:     m,
		connections: desc("connections", "Pooled connections by state.", "mechanism", "state"),
		groups:      desc("groups", "Identities with a connection group.", "mechanism"),
		created:     desc("connections_created_total", "Pooled connections dialed.", "mechanism"),
		reused:      desc("connections_reused_total", "Acquisitions served by an idle connection.", "mechanism"),
		closed:      desc("connections_closed_total", "Pooled connections closed by the pool.", "mechanism"),
		timeouts:    desc("acquire_timeouts_total", "Acquisitions that gave up waiting for capacity.", "mechanism"),
		unpooled:    desc("unpooled_connections_total", "Connections handed out without pooling."),
		breaker:     desc("circuit_breaker_state", "Dial circuit breaker state (0 closed, 1 open, 2 half-open)."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.groups
	ch <- c.created
	ch <- c.reused
	ch <- c.closed
	ch <- c.timeouts
	ch <- c.unpooled
	ch <- c.breaker
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.manager.Stats()

	for _, rs := range st.Registries {
		t, life := rs.Totals(), rs.Lifetime
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(t.Idle), rs.Name, "idle")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(t.Busy), rs.Name, "busy")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(t.Pending), rs.Name, "pending")
		ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(len(rs.Groups)), rs.Name)
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(life.Created), rs.Name)
		ch <- prometheus.MustNewConstMetric(c.reused, prometheus.CounterValue, float64(life.Reused), rs.Name)
		ch <- prometheus.MustNewConstMetric(c.closed, prometheus.CounterValue, float64(life.Closed), rs.Name)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(life.Timeouts), rs.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.unpooled, prometheus.CounterValue, float64(st.UnpooledConnections))
	if cb := st.CircuitBreaker; cb != nil {
		ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, float64(cb.State))
	}
}
