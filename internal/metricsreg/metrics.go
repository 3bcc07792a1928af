// Package metricsreg — Prometheus process metrics for orchestratord.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: orchestrator_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package metricsreg

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the daemon. These are
// ambient process counters; the authoritative per-run numbers (p95, recall,
// ...) live in internal/metricsagg and are returned from the HTTP API, not
// scraped from here.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmittedTotal  *prometheus.CounterVec // label: kind
	JobsTerminalTotal   *prometheus.CounterVec // label: status
	JobsRunningGauge    prometheus.Gauge
	JobQueueDepth       prometheus.Gauge

	EventsAppendedTotal *prometheus.CounterVec // label: event_type
	EventsTruncatedTotal prometheus.Counter

	ControllerActionsTotal *prometheus.CounterVec // labels: policy, action
	RouterDecisionsTotal   *prometheus.CounterVec // labels: backend, rule
	RouterBreakerOpenTotal prometheus.Counter

	BanditSelectionsTotal *prometheus.CounterVec // label: arm
	BanditDriftTotal      *prometheus.CounterVec // labels: arm, status

	SLAVerdictsTotal *prometheus.CounterVec // label: verdict

	RunDurationSeconds prometheus.Histogram

	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// New creates and registers all orchestrator Prometheus metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		JobsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "jobs", Name: "submitted_total",
			Help: "Total job submissions accepted, by kind.",
		}, []string{"kind"}),

		JobsTerminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "jobs", Name: "terminal_total",
			Help: "Total jobs that reached a terminal status.",
		}, []string{"status"}),

		JobsRunningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "jobs", Name: "running",
			Help: "1 if a job is currently RUNNING, else 0 (single-concurrency invariant).",
		}),

		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "jobs", Name: "queue_depth",
			Help: "Current number of QUEUED jobs.",
		}),

		EventsAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "events", Name: "appended_total",
			Help: "Total events appended to per-run JSONL logs, by event type.",
		}, []string{"event_type"}),

		EventsTruncatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "events", Name: "truncated_total",
			Help: "Total runs that hit the per-run event budget cap.",
		}),

		ControllerActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "controller", Name: "actions_total",
			Help: "Total controller decisions, by policy and action.",
		}, []string{"policy", "action"}),

		RouterDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "router", Name: "decisions_total",
			Help: "Total routing decisions, by chosen backend and triggering rule.",
		}, []string{"backend", "rule"}),

		RouterBreakerOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "router", Name: "breaker_open_total",
			Help: "Total times the dense-backend circuit breaker tripped open.",
		}),

		BanditSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "bandit", Name: "selections_total",
			Help: "Total arm selections, by arm.",
		}, []string{"arm"}),

		BanditDriftTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "bandit", Name: "drift_total",
			Help: "Total drift self-audit results, by arm and status (ok|drift|missing).",
		}, []string{"arm", "status"}),

		SLAVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator", Subsystem: "sla", Name: "verdicts_total",
			Help: "Total SLA verdicts issued, by verdict (pass|warn|fail).",
		}, []string{"verdict"}),

		RunDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchestrator", Subsystem: "run", Name: "duration_seconds",
			Help:    "Wall-clock duration of completed orchestrator runs.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator", Subsystem: "daemon", Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.JobsSubmittedTotal, m.JobsTerminalTotal, m.JobsRunningGauge, m.JobQueueDepth,
		m.EventsAppendedTotal, m.EventsTruncatedTotal,
		m.ControllerActionsTotal, m.RouterDecisionsTotal, m.RouterBreakerOpenTotal,
		m.BanditSelectionsTotal, m.BanditDriftTotal,
		m.SLAVerdictsTotal, m.RunDurationSeconds, m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Serve starts the Prometheus metrics server, serving /metrics, /healthz,
// and /readyz. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string, ready func() bool) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
