package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricRunsTotal            = "etl_runs_total"
	MetricRunDuration          = "etl_run_duration_seconds"
	MetricDimensionRowsCreated = "etl_dimension_rows_created_total"
	MetricFactRowsInserted     = "etl_fact_rows_inserted_total"
	MetricMartRowsWritten      = "etl_mart_rows_written_total"
	MetricMartErrorsTotal      = "etl_mart_errors_total"
)

// Status constants for run completion.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for pipeline runs.
// All operations are thread-safe.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	dimensionRows *prometheus.CounterVec
	factRows      prometheus.Counter
	martRows      *prometheus.CounterVec
	martErrors    *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register them
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Total number of pipeline runs by completion status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRunDuration,
				Help:    "Histogram of end-to-end pipeline run duration in seconds",
				Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0, 600.0},
			},
		),
		dimensionRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDimensionRowsCreated,
				Help: "Total number of dimension rows created by dimension table",
			},
			[]string{"dimension"},
		),
		factRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricFactRowsInserted,
				Help: "Total number of fact rows inserted",
			},
		),
		martRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMartRowsWritten,
				Help: "Total number of mart rows written by tenant",
			},
			[]string{"tenant"},
		),
		martErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricMartErrorsTotal,
				Help: "Total number of failed mart materializations by tenant",
			},
			[]string{"tenant"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRun records the outcome and duration of one pipeline run.
func (m *Metrics) ObserveRun(status string, seconds float64) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

// AddDimensionRows adds to the created-rows counter for one dimension table.
func (m *Metrics) AddDimensionRows(dimension string, n int64) {
	m.dimensionRows.WithLabelValues(dimension).Add(float64(n))
}

// AddFactRows adds to the inserted fact-rows counter.
func (m *Metrics) AddFactRows(n int64) {
	m.factRows.Add(float64(n))
}

// AddMartRows adds to a tenant's written mart-rows counter.
func (m *Metrics) AddMartRows(tenant string, n int64) {
	m.martRows.WithLabelValues(tenant).Add(float64(n))
}

// IncMartErrors increments a tenant's mart failure counter.
func (m *Metrics) IncMartErrors(tenant string) {
	m.martErrors.WithLabelValues(tenant).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.runDuration,
		m.dimensionRows,
		m.factRows,
		m.martRows,
		m.martErrors,
	}
}
