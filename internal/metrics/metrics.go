// Package metrics collects deployment counters in a private prometheus
// registry and writes them in the node_exporter textfile format.
package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/internal/tasks"
)

const namespace = "deployagent"

// Metrics owns one registry per process.
type Metrics struct {
	registry *prometheus.Registry

	deployments     *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	installOutcomes *prometheus.CounterVec
	taskResults     *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	cacheLookups    *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		// Labels: strategy (full_install, full_swap, code_swap, no_change), state (completed, failed)
		deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployments by chosen strategy and final state",
		}, []string{"strategy", "state"}),
		deployDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of one deployment",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"strategy"}),
		installOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_outcomes_total",
			Help:      "Install and swap results by outcome or swap reason",
		}, []string{"outcome"}),
		// Labels: graph (analyze, execute), status (succeeded, failed, skipped)
		taskResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "results_total",
			Help:      "Task graph nodes by final status",
		}, []string{"graph", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task execution time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"graph"}),
		cacheLookups: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups",
			Help:      "Analysis cache lookups in this process by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry as a gatherer.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDeployment counts one finished deployment.
func (m *Metrics) ObserveDeployment(strategy, state string, elapsed time.Duration) {
	strategy = labelOr(strategy, "none")
	m.deployments.WithLabelValues(strategy, labelOr(state, "unknown")).Inc()
	if elapsed > 0 {
		m.deployDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	}
}

// ObserveOutcome counts an install outcome or swap failure reason.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.installOutcomes.WithLabelValues(labelOr(outcome, "OK")).Inc()
}

// ObserveCache records the cache hit and miss totals.
func (m *Metrics) ObserveCache(hits, misses int64) {
	m.cacheLookups.WithLabelValues("hit").Set(float64(hits))
	m.cacheLookups.WithLabelValues("miss").Set(float64(misses))
}

// TaskObserver returns a tasks.Observer that feeds the task collectors.
func (m *Metrics) TaskObserver() tasks.Observer {
	return func(rep tasks.TaskReport) {
		graph := graphLabel(rep.Graph)
		m.taskResults.WithLabelValues(graph, string(rep.Status)).Inc()
		if rep.Status != tasks.StatusSkipped {
			m.taskDuration.WithLabelValues(graph).Observe(rep.Duration.Seconds())
		}
	}
}

// WriteTextfile atomically writes the registry to path. Empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "metrics: create dir for %s failed", path)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "metrics: write %s failed", path)
	}
	log.Debug().Str("path", path).Msg("metrics: textfile written")
	return nil
}

// graphLabel drops the per-run suffix from graph names such as
// "execute/com.example.app".
func graphLabel(name string) string {
	if idx := strings.IndexByte(name, '/'); idx > 0 {
		return name[:idx]
	}
	return labelOr(name, "unknown")
}

func labelOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}
