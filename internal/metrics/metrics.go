package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpdf",
			Name:      "conversions_total",
			Help:      "Conversions by mode (sync, async) and result (success, failure)",
		},
		[]string{"mode", "result"},
	)

	conversionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docpdf",
			Name:      "conversion_duration_seconds",
			Help:      "Duration of stage+convert by mode",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	converterOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpdf",
			Name:      "converter_outcomes_total",
			Help:      "External converter outcomes by reason",
		},
		[]string{"reason"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docpdf",
			Name:      "jobs_in_flight",
			Help:      "Deferred conversions scheduled but not yet settled",
		},
	)

	stagedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpdf",
			Name:      "staged_bytes_total",
			Help:      "Bytes written into staging areas",
		},
		[]string{"area"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpdf",
			Name:      "sweep_runs_total",
			Help:      "Retention sweeps by result (ok, error)",
		},
		[]string{"result"},
	)

	sweepDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docpdf",
			Name:      "sweep_deleted_files_total",
			Help:      "Files deleted by the retention sweeper per area",
		},
		[]string{"area"},
	)

	initOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(conversions, conversionLatency, converterOutcomes, jobsInFlight, stagedBytes, sweepRuns, sweepDeleted)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveConversion(mode string, success bool, dur time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	conversions.WithLabelValues(mode, result).Inc()
	conversionLatency.WithLabelValues(mode).Observe(dur.Seconds())
}

func IncConverterOutcome(reason string) { converterOutcomes.WithLabelValues(reason).Inc() }

func JobStarted()  { jobsInFlight.Inc() }
func JobSettled()  { jobsInFlight.Dec() }

func AddStagedBytes(area string, n int64) { stagedBytes.WithLabelValues(area).Add(float64(n)) }

func ObserveSweep(ok bool) {
	if ok {
		sweepRuns.WithLabelValues("ok").Inc()
		return
	}
	sweepRuns.WithLabelValues("error").Inc()
}

func AddSweepDeleted(area string, n int) { sweepDeleted.WithLabelValues(area).Add(float64(n)) }
