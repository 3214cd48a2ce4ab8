package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mealsched"

var (
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Registration operations by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	autoregStudents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoreg_students_total",
			Help:      "Per-student auto-registration attempts by result (registered, skipped, errored, abandoned).",
		},
		[]string{"meal_type", "result"},
	)
	autoregRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoreg_runs_total",
			Help:      "Auto-registration batches by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	activeTriggers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_triggers",
			Help:      "Number of (tenant, weekday, meal type) triggers currently scheduled.",
		},
	)
)

// Registry holds every mealsched collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		Registry.MustRegister(transitions)
		Registry.MustRegister(autoregStudents)
		Registry.MustRegister(autoregRuns)
		Registry.MustRegister(activeTriggers)
	})
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordTransition(operation, outcome string) {
	transitions.WithLabelValues(operation, outcome).Inc()
}

func RecordAutoregStudents(mealType, result string, n int) {
	if n <= 0 {
		return
	}
	autoregStudents.WithLabelValues(mealType, result).Add(float64(n))
}

func RecordAutoregRun(source, outcome string) {
	autoregRuns.WithLabelValues(source, outcome).Inc()
}

func SetActiveTriggers(n int) {
	activeTriggers.Set(float64(n))
}
