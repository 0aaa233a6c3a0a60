// Package metrics exposes the broker's Prometheus instrumentation:
// package-level collectors registered against a private registry, served
// over promhttp.Handler alongside a liveness endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ConnectionsActive is the number of currently open connections,
	// across all I/O threads.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowbroker_connections_active",
		Help: "Number of currently open client/worker connections",
	})

	// JobsQueued is the current job_count (see internal/broker.Coordinator).
	JobsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowbroker_jobs_queued",
		Help: "Jobs queued-undispatched or dispatched-unacknowledged",
	})

	// CommandsTotal counts executed commands by type and outcome.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowbroker_commands_total",
		Help: "Total number of commands executed, by command and status",
	}, []string{"command", "status"})

	// DispatchLatency measures time from SUBMIT_JOB enqueue to GRAB_JOB
	// dispatch.
	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowbroker_dispatch_latency_seconds",
		Help:    "Time between a job's enqueue and its dispatch to a worker",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"function"})

	// IOThreadRunLatency measures time spent in one IOThread.Run pass.
	IOThreadRunLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowbroker_io_thread_run_seconds",
		Help:    "Duration of one IOThread.Run pass",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	}, []string{"status"})
)

// NewRegistry builds a private registry with the broker's collectors plus
// the standard Go/process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionsActive,
		JobsQueued,
		CommandsTotal,
		DispatchLatency,
		IOThreadRunLatency,
	)
	return reg
}

// Serve starts an HTTP server exposing /metrics and /healthz, shutting
// down when ctx is canceled.
func Serve(ctx context.Context, logger *zap.Logger, addr string) {
	reg := NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("metrics server started", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
