// Package metrics exposes Prometheus collectors for the actuation graph.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labhub"

var (
	registerOnce sync.Once

	actuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "actuations_total",
			Help:      "Thing actuations by outcome.",
		},
		[]string{"hub", "thing", "success"},
	)
	actuationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "actuation_duration_seconds",
			Help:      "Driver actuation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"hub", "thing"},
	)
	watchdogTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "trips_total",
			Help:      "Transitions of a watchdog into the reacting state.",
		},
		[]string{"hub", "watchdog"},
	)
	runningTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "running",
			Help:      "Background tasks currently registered per owner.",
		},
		[]string{"owner"},
	)
	samplerEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "evaluations_total",
			Help:      "Experiment evaluations performed by optimization sessions.",
		},
		[]string{"hub", "experiment"},
	)
	sequencerLateness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "step_lateness_seconds",
			Help:      "How late each sequence step fired relative to its deadline.",
			Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"hub"},
	)
)

// Register adds the collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			actuations,
			actuationDuration,
			watchdogTrips,
			runningTasks,
			samplerEvaluations,
			sequencerLateness,
		)
	})
}

// RecordActuation counts one thing actuation and its driver duration.
func RecordActuation(hub, thing string, duration time.Duration, success bool) {
	actuations.WithLabelValues(hub, thing, strconv.FormatBool(success)).Inc()
	actuationDuration.WithLabelValues(hub, thing).Observe(duration.Seconds())
}

// RecordWatchdogTrip counts a watchdog entering the reacting state.
func RecordWatchdogTrip(hub, watchdog string) {
	watchdogTrips.WithLabelValues(hub, watchdog).Inc()
}

// SetRunningTasks reports the task count of a runner.
func SetRunningTasks(owner string, n int) {
	runningTasks.WithLabelValues(owner).Set(float64(n))
}

// RecordSamplerEvaluation counts one experiment evaluation.
func RecordSamplerEvaluation(hub, experiment string) {
	samplerEvaluations.WithLabelValues(hub, experiment).Inc()
}

// ObserveStepLateness records how far past its deadline a sequence step ran.
func ObserveStepLateness(hub string, late time.Duration) {
	if late < 0 {
		late = 0
	}
	sequencerLateness.WithLabelValues(hub).Observe(late.Seconds())
}
