// Package metrics exposes batch progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlmapbatch"

// Metrics holds the run's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	Tasks        *prometheus.CounterVec
	Findings     prometheus.Counter
	Restarts     prometheus.Counter
	TaskDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry together with the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Targets processed, by final task state.",
		}, []string{"state"}),
		Findings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Targets with at least one injection point.",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_restarts_total",
			Help:      "Restarts of the scanning engine after a task error.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time per target.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	reg.MustRegister(m.Tasks, m.Findings, m.Restarts, m.TaskDuration)
	return m
}

// ObserveTask records one finished target.
func (m *Metrics) ObserveTask(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(state).Inc()
	m.TaskDuration.Observe(d.Seconds())
}

// FindingRecorded counts one injectable target.
func (m *Metrics) FindingRecorded() {
	if m == nil {
		return
	}
	m.Findings.Inc()
}

// EngineRestarted counts one engine restart.
func (m *Metrics) EngineRestarted() {
	if m == nil {
		return
	}
	m.Restarts.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. It returns once the
// listener is bound; serving continues in the background.
func (m *Metrics) Serve(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return ln.Addr(), nil
}
