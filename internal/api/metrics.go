package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/store"
)

// Metrics exposes Prometheus metrics for the daemon. Counters are fed
// by scheduler hooks; gauges are refreshed from the store on scrape.
type Metrics struct {
	registry  *prometheus.Registry
	store     store.Store
	startTime time.Time

	jobsFinished  *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	walltimeKills prometheus.Counter

	jobsByState *prometheus.GaugeVec
	queueLength prometheus.Gauge
	activeJobs  prometheus.Gauge
	avgDuration prometheus.Gauge
	uptime      prometheus.Gauge
}

// NewMetrics creates the metric set on a private registry
func NewMetrics(st store.Store) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry:  registry,
		store:     st,
		startTime: time.Now(),

		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchd_jobs_finished_total",
			Help: "Jobs finished, by terminal status",
		}, []string{"status"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "batchd_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		walltimeKills: factory.NewCounter(prometheus.CounterOpts{
			Name: "batchd_walltime_kills_total",
			Help: "Jobs killed for exceeding their wall-clock limit",
		}),

		jobsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchd_jobs_by_state",
			Help: "Current number of jobs by state",
		}, []string{"state"}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_queue_length",
			Help: "Jobs waiting for dispatch",
		}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_active_jobs",
			Help: "Jobs assigned or running",
		}),
		avgDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_job_avg_duration_seconds",
			Help: "Average duration of completed jobs",
		}),
		uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batchd_uptime_seconds",
			Help: "Time since the daemon started",
		}),
	}
}

// JobFinished is the scheduler completion hook
func (m *Metrics) JobFinished(job *models.Job, result *models.JobResult) {
	m.jobsFinished.WithLabelValues(string(result.Status)).Inc()
	m.jobDuration.Observe(result.Duration.Seconds())
	if result.WalltimeHit {
		m.walltimeKills.Inc()
	}
}

// ServeHTTP serves the /metrics endpoint in Prometheus text format
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := m.refresh(); err != nil {
		http.Error(w, fmt.Sprintf("error collecting job metrics: %v", err), http.StatusInternalServerError)
		return
	}

	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("error gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return
		}
	}
}

func (m *Metrics) refresh() error {
	jm, err := m.store.GetJobMetrics()
	if err != nil {
		return err
	}

	m.jobsByState.Reset()
	for state, count := range jm.JobsByState {
		m.jobsByState.WithLabelValues(string(state)).Set(float64(count))
	}
	m.queueLength.Set(float64(jm.QueueLength))
	m.activeJobs.Set(float64(jm.ActiveJobs))
	m.avgDuration.Set(jm.AvgDuration)
	m.uptime.Set(time.Since(m.startTime).Seconds())
	return nil
}
