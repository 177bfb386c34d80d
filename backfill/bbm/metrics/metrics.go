package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gitlab.com/gitlab-org/database-backfill/metrics"
)

var (
	windowDurationHist *prometheus.HistogramVec
	windowsTotal       *prometheus.CounterVec
	rowsUpdatedTotal   *prometheus.CounterVec
	residualRowsTotal  *prometheus.CounterVec
	pauseSecondsTotal  *prometheus.CounterVec
	runDurationHist    *prometheus.HistogramVec
	runsTotal          *prometheus.CounterVec
	progressGauge      *prometheus.GaugeVec
	timeSince          = time.Since // for test purposes only
)

const (
	subsystem       = "bbm"
	nameLabel       = "name"
	outcomeLabel    = "outcome"
	statusLabel     = "status"
	categoryLabel   = "feature_category"
	windowDurName   = "window_duration_seconds"
	windowDurDesc   = "A histogram of latencies for backfill windows, including retries."
	windowsName     = "windows_total"
	windowsDesc     = "A counter of backfill window attempts by outcome."
	rowsName        = "rows_updated_total"
	rowsDesc        = "A counter of rows filled by backfill windows."
	residualName    = "residual_rows_total"
	residualDesc    = "A counter of rows left null by backfill windows."
	pauseName       = "pause_seconds_total"
	pauseDesc       = "A counter of seconds spent pausing between backfill windows."
	runDurationName = "run_duration_seconds"
	runDurationDesc = "A histogram of latencies for backfill runs."
	runsName        = "runs_total"
	runsDesc        = "A counter of finished backfill runs by status."
	progressName    = "progress_ratio"
	progressDesc    = "The share of the key range covered by the current backfill run."
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	windowDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      windowDurName,
			Help:      windowDurDesc,
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{nameLabel},
	)

	windowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      windowsName,
			Help:      windowsDesc,
		},
		[]string{nameLabel, outcomeLabel},
	)

	rowsUpdatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      rowsName,
			Help:      rowsDesc,
		},
		[]string{nameLabel},
	)

	residualRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      residualName,
			Help:      residualDesc,
		},
		[]string{nameLabel},
	)

	pauseSecondsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pauseName,
			Help:      pauseDesc,
		},
		[]string{nameLabel},
	)

	runDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runDurationName,
			Help:      runDurationDesc,
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3d
		},
		[]string{nameLabel, categoryLabel, statusLabel},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runsName,
			Help:      runsDesc,
		},
		[]string{nameLabel, categoryLabel, statusLabel},
	)

	progressGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      progressName,
			Help:      progressDesc,
		},
		[]string{nameLabel},
	)

	registerer.MustRegister(
		windowDurationHist,
		windowsTotal,
		rowsUpdatedTotal,
		residualRowsTotal,
		pauseSecondsTotal,
		runDurationHist,
		runsTotal,
		progressGauge,
	)
}

// InstrumentWindow returns a function that records the duration and outcome of a window once it is done.
func InstrumentWindow(name string) func(outcome string, rows, residual int64) {
	start := time.Now()
	return func(outcome string, rows, residual int64) {
		windowDurationHist.WithLabelValues(name).Observe(timeSince(start).Seconds())
		windowsTotal.WithLabelValues(name, outcome).Inc()
		rowsUpdatedTotal.WithLabelValues(name).Add(float64(rows))
		residualRowsTotal.WithLabelValues(name).Add(float64(residual))
	}
}

// WindowAttempt counts a window attempt that did not complete, such as a retried transient failure.
func WindowAttempt(name, outcome string) {
	windowsTotal.WithLabelValues(name, outcome).Inc()
}

// Pause records the time spent pausing between windows.
func Pause(name string, d time.Duration) {
	pauseSecondsTotal.WithLabelValues(name).Add(d.Seconds())
}

// Progress records the share of the key range covered by a run.
func Progress(name string, ratio float64) {
	progressGauge.WithLabelValues(name).Set(ratio)
}

// InstrumentRun returns a function that records the duration and final status of a run.
func InstrumentRun(name, featureCategory string) func(status string) {
	start := time.Now()
	return func(status string) {
		runDurationHist.WithLabelValues(name, featureCategory, status).Observe(timeSince(start).Seconds())
		runsTotal.WithLabelValues(name, featureCategory, status).Inc()
	}
}
