package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roamdata/migrator/internal/migration"
)

// Recorder bundles migration metrics and implements migration.Observer.
type Recorder struct {
	RowsTotal   *prometheus.CounterVec
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// New constructs a Recorder and registers it with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_rows_total",
				Help: "Source rows processed by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrator_runs_total",
				Help: "Finished migration runs by source and status",
			},
			[]string{"source", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migrator_run_duration_seconds",
			Help:    "Migration run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"source"}),
	}
	reg.MustRegister(r.RowsTotal, r.RunsTotal, r.RunDuration)
	return r
}

func (r *Recorder) ObserveRow(source string, outcome migration.Outcome) {
	r.RowsTotal.WithLabelValues(source, string(outcome)).Inc()
}

func (r *Recorder) ObserveRun(source string, status migration.Status, d time.Duration) {
	r.RunsTotal.WithLabelValues(source, string(status)).Inc()
	r.RunDuration.WithLabelValues(source).Observe(d.Seconds())
}
