// Package telemetry exports deployment metrics in the Prometheus text
// format, for collection through node_exporter's textfile directory.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3cpo-dev/deploy-flake/internal/deploy"
)

const namespace = "deploy_flake"

// Metrics records stage timings, copy attempts and deployment outcomes. It
// implements deploy.Observer.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	copyAttempts  *prometheus.CounterVec
	deployments   *prometheus.CounterVec
	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge

	registry *prometheus.Registry
}

var _ deploy.Observer = (*Metrics)(nil)

// NewMetrics returns metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of deployment stages in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage", "status"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of failed deployment stages",
			},
			[]string{"host", "stage"},
		),
		copyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "copy_attempts_total",
				Help:      "Total number of closure copy attempts",
			},
			[]string{"outcome"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of finished deployments by final state",
			},
			[]string{"host", "state", "status"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if every destination of the last run was deployed",
		}),
	}
	m.registry.MustRegister(m.stageDuration, m.stageFailures, m.copyAttempts, m.deployments, m.lastRun, m.lastSuccess)
	return m
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// StageFinished implements deploy.Observer.
func (m *Metrics) StageFinished(d deploy.Destination, stage deploy.Stage, elapsed time.Duration, err error) {
	m.stageDuration.WithLabelValues(string(stage), status(err)).Observe(elapsed.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(d.Host, string(stage)).Inc()
	}
}

// CopyAttempt implements deploy.Observer.
func (m *Metrics) CopyAttempt(_ deploy.Destination, outcome string) {
	m.copyAttempts.WithLabelValues(outcome).Inc()
}

// RecordResult counts a finished destination.
func (m *Metrics) RecordResult(r deploy.Result) {
	m.deployments.WithLabelValues(r.Destination.Host, r.State.String(), status(r.Err)).Inc()
}

// FinishRun stamps the end of a run.
func (m *Metrics) FinishRun(at time.Time, err error) {
	m.lastRun.Set(float64(at.Unix()))
	if err != nil {
		m.lastSuccess.Set(0)
	} else {
		m.lastSuccess.Set(1)
	}
}

// WriteTextfile atomically writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
