package queue

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bulk_export"

// Metrics times queue transitions. A nil *Metrics records nothing.
type Metrics struct {
	waitTime    prometheus.Histogram
	partialTime prometheus.Histogram
	successTime prometheus.Histogram
	failureTime prometheus.Histogram
	recovered   prometheus.Counter
}

// NewMetrics registers the queue metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	buckets := prometheus.ExponentialBuckets(0.05, 4, 10)

	return &Metrics{
		waitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time between batch submission and its claim.",
			Buckets:   buckets,
		}),
		partialTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "checkpoint_seconds",
			Help:      "Time spent persisting a partial batch checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
		successTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "success_seconds",
			Help:      "Time from first start to completion of successful batches.",
			Buckets:   buckets,
		}),
		failureTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "failure_seconds",
			Help:      "Time from first start to failure of failed batches.",
			Buckets:   buckets,
		}),
		recovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "stuck_batches_recovered_total",
			Help:      "Running batches whose lease expired and were requeued.",
		}),
	}
}

// RegisterGauges exposes queue length and age, read from q at scrape time.
func RegisterGauges(reg prometheus.Registerer, q Queue) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "length",
		Help:      "Batches waiting to be claimed.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		size, err := q.QueueSize(ctx)
		if err != nil {
			return -1
		}
		return float64(size)
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "age_hours",
		Help:      "Age of the oldest queued batch.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		age, err := q.QueueAge(ctx)
		if err != nil {
			return -1
		}
		return age.Hours()
	})
}

func (m *Metrics) observeWait(d time.Duration) {
	if m != nil {
		m.waitTime.Observe(d.Seconds())
	}
}

func (m *Metrics) observePartial(d time.Duration) {
	if m != nil {
		m.partialTime.Observe(d.Seconds())
	}
}

func (m *Metrics) observeSuccess(d time.Duration) {
	if m != nil {
		m.successTime.Observe(d.Seconds())
	}
}

func (m *Metrics) observeFailure(d time.Duration) {
	if m != nil {
		m.failureTime.Observe(d.Seconds())
	}
}

func (m *Metrics) incRecovered(n int) {
	if m != nil && n > 0 {
		m.recovered.Add(float64(n))
	}
}

func sinceStart(startTime *time.Time, now time.Time) time.Duration {
	if startTime == nil {
		return 0
	}
	return now.Sub(*startTime)
}
