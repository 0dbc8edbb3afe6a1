package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig controls whether and where Prometheus metrics are
// exposed.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// MetricsCollector owns every Prometheus instrument for the
// orchestrator, fleet, router, search index, memory, and ledger.
type MetricsCollector struct {
	tasksTotal        *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	subtasksTotal     *prometheus.CounterVec
	slotState         *prometheus.GaugeVec
	slotUtilization   prometheus.Gauge
	providerLatency   *prometheus.HistogramVec
	providerRetries   *prometheus.CounterVec
	providerErrors    *prometheus.CounterVec
	routerDegraded    *prometheus.CounterVec
	indexWriteLatency prometheus.Histogram
	indexDocuments    prometheus.Gauge
	memoryWrites      *prometheus.CounterVec
	ledgerAppend      prometheus.Histogram
	ledgerSize        prometheus.Gauge

	config MetricsConfig
}

func NewMetricsCollector(config MetricsConfig, registry *prometheus.Registry) *MetricsCollector {
	if !config.Enabled {
		return &MetricsCollector{config: config}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &MetricsCollector{
		config: config,
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tasks_total",
			Help: "Total tasks submitted, by terminal status",
		}, []string{"status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_task_duration_seconds",
			Help:    "Task end-to-end duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		subtasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_subtasks_total",
			Help: "Total subtasks dispatched, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		slotState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_worker_slot_state",
			Help: "Number of worker slots currently in each state",
		}, []string{"state"}),
		slotUtilization: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_worker_slot_utilization",
			Help: "Fraction of worker slots currently InFlight",
		}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_provider_latency_seconds",
			Help:    "Upstream provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		providerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_provider_retries_total",
			Help: "Total retry attempts issued against a provider",
		}, []string{"provider", "reason"}),
		providerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_provider_errors_total",
			Help: "Total terminal provider errors",
		}, []string{"provider", "kind"}),
		routerDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_router_degraded_total",
			Help: "Total routing decisions that fell back to Degraded",
		}, []string{"strategy"}),
		indexWriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_index_write_latency_seconds",
			Help:    "Search index write (Index/Unindex) latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		indexDocuments: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_index_documents",
			Help: "Total documents currently in the search index",
		}),
		memoryWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_memory_writes_total",
			Help: "Total project memory writes, by change category",
		}, []string{"category"}),
		ledgerAppend: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_ledger_append_latency_seconds",
			Help:    "Ledger append latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ledgerSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_ledger_size",
			Help: "Total records currently in the audit ledger",
		}),
	}
}

func (m *MetricsCollector) RecordTask(status string, d time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *MetricsCollector) RecordSubtask(strategy, outcome string) {
	if !m.config.Enabled {
		return
	}
	m.subtasksTotal.WithLabelValues(strategy, outcome).Inc()
}

func (m *MetricsCollector) SetSlotStates(counts map[string]int, total int) {
	if !m.config.Enabled {
		return
	}
	for state, n := range counts {
		m.slotState.WithLabelValues(state).Set(float64(n))
	}
	if total > 0 {
		m.slotUtilization.Set(float64(counts["InFlight"]) / float64(total))
	}
}

func (m *MetricsCollector) RecordProviderCall(provider, model string, d time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.providerLatency.WithLabelValues(provider, model).Observe(d.Seconds())
}

func (m *MetricsCollector) RecordProviderRetry(provider, reason string) {
	if !m.config.Enabled {
		return
	}
	m.providerRetries.WithLabelValues(provider, reason).Inc()
}

func (m *MetricsCollector) RecordProviderError(provider, kind string) {
	if !m.config.Enabled {
		return
	}
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

func (m *MetricsCollector) RecordRouterDegraded(strategy string) {
	if !m.config.Enabled {
		return
	}
	m.routerDegraded.WithLabelValues(strategy).Inc()
}

func (m *MetricsCollector) RecordIndexWrite(d time.Duration, totalDocs int) {
	if !m.config.Enabled {
		return
	}
	m.indexWriteLatency.Observe(d.Seconds())
	m.indexDocuments.Set(float64(totalDocs))
}

func (m *MetricsCollector) RecordMemoryWrite(category string) {
	if !m.config.Enabled {
		return
	}
	m.memoryWrites.WithLabelValues(category).Inc()
}

func (m *MetricsCollector) RecordLedgerAppend(d time.Duration, size int) {
	if !m.config.Enabled {
		return
	}
	m.ledgerAppend.Observe(d.Seconds())
	m.ledgerSize.Set(float64(size))
}

func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}
