package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airbnb-pipeline/utils"
)

// Metrics holds the pipeline's collectors on a private registry so that steps
// and tests never collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	RowsTotal       *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	StepRuns        *prometheus.CounterVec
	ArtifactsLogged *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_rows_total",
				Help: "Rows processed by a step, by outcome (in, kept, dropped, train, test)",
			},
			[]string{"step", "outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Wall time of each pipeline step",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"step"},
		),
		StepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_step_runs_total",
				Help: "Step executions by final status",
			},
			[]string{"step", "status"},
		),
		ArtifactsLogged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_artifacts_logged_total",
				Help: "Artifact versions logged, by type and whether a new version was created",
			},
			[]string{"type", "created"},
		),
	}
	m.Registry.MustRegister(m.RowsTotal, m.StepDuration, m.StepRuns, m.ArtifactsLogged)
	return m
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(step string, elapsed time.Duration, err error) {
	status := "finished"
	if err != nil {
		status = "failed"
	}
	m.StepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	m.StepRuns.WithLabelValues(step, status).Inc()
}

// AddRows increments the row counter for step and outcome.
func (m *Metrics) AddRows(step, outcome string, n int) {
	m.RowsTotal.WithLabelValues(step, outcome).Add(float64(n))
}

// ArtifactLogged counts one LogArtifact call.
func (m *Metrics) ArtifactLogged(artifactType string, created bool) {
	m.ArtifactsLogged.WithLabelValues(artifactType, fmt.Sprint(created)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is done. An empty port disables
// the server.
func (m *Metrics) Serve(ctx context.Context, port string, logger *utils.Logger) {
	if port == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("[metrics] server on :%s stopped: %v", port, err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("[metrics] Serving /metrics on :%s", port)
}

// WriteTextfile dumps the registry to <dir>/<job>.prom for a node exporter
// textfile collector. An empty dir disables it.
func (m *Metrics) WriteTextfile(dir, job string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("metrics: create textfile dir: %w", err)
	}
	path := filepath.Join(dir, job+".prom")
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("metrics: write %q: %w", path, err)
	}
	return nil
}
