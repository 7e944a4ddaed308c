package aggregation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// Metrics are the aggregation engine's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	resourcesFetched  *prometheus.CounterVec
	operationOutcomes *prometheus.CounterVec
	batchesFinished   *prometheus.CounterVec
	patientDuration   prometheus.Histogram
	engineHealthy     *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resourcesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulk_export",
			Subsystem: "aggregation",
			Name:      "resources_fetched_total",
			Help:      "Records written to export files, by resource type.",
		}, []string{"resource_type"}),
		operationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulk_export",
			Subsystem: "aggregation",
			Name:      "operation_outcomes_total",
			Help:      "Structured error records written, by the resource type they stand in for.",
		}, []string{"resource_type"}),
		batchesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulk_export",
			Subsystem: "aggregation",
			Name:      "batches_finished_total",
			Help:      "Batches leaving an engine, by final transition.",
		}, []string{"status"}),
		patientDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bulk_export",
			Subsystem: "aggregation",
			Name:      "patient_seconds",
			Help:      "Time to fetch, write and checkpoint one patient.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		engineHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulk_export",
			Subsystem: "aggregation",
			Name:      "engine_healthy",
			Help:      "1 when the engine's last health assertion passed.",
		}, []string{"aggregator_id"}),
	}
}

func (m *Metrics) addRecords(rt domain.ResourceType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.resourcesFetched.WithLabelValues(string(rt)).Add(float64(n))
}

func (m *Metrics) addOutcomes(rt domain.ResourceType, n int) {
	if m == nil || n == 0 {
		return
	}
	m.operationOutcomes.WithLabelValues(string(rt)).Add(float64(n))
}

func (m *Metrics) batchFinished(status domain.JobStatus) {
	if m == nil {
		return
	}
	m.batchesFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observePatient(d time.Duration) {
	if m == nil {
		return
	}
	m.patientDuration.Observe(d.Seconds())
}

func (m *Metrics) setHealthy(aggregatorID string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.engineHealthy.WithLabelValues(aggregatorID).Set(v)
}
