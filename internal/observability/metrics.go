// Package observability — metrics.go
//
// Prometheus metrics for the dispatcher control loop.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: dispatcher_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Detector/command/status labels take a handful of fixed string
//     values (≤7 logical detectors, 3 commands, 7 statuses).
//   - Host is never used as a label (unbounded cardinality as the node
//     fleet grows).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Command Gate ─────────────────────────────────────────────────────────

	// CommandsIssuedTotal counts commands processed by the Command Gate.
	// Labels: command, detector, outcome (accepted, rejected)
	CommandsIssuedTotal *prometheus.CounterVec

	// ArmBusyRejectionsTotal counts arm attempts refused by the one-armer
	// invariant.
	ArmBusyRejectionsTotal prometheus.Counter

	// CooldownRejectionsTotal counts commands refused by the per-command
	// cooldown timer. Labels: command
	CooldownRejectionsTotal *prometheus.CounterVec

	// ─── Status & runs ────────────────────────────────────────────────────────

	// DetectorStatus is the current aggregate status per detector, as its
	// wire-encoded integer value (0..6).
	// Labels: detector
	DetectorStatus *prometheus.GaugeVec

	// RunNumber is the most recent non-zero run number reported by a
	// detector's crate controllers in the aggregate status.
	RunNumber prometheus.Gauge

	// ─── Scheduler ────────────────────────────────────────────────────────────

	// SchedulerQueueDepth is the current depth of the delayed command
	// scheduler's in-memory heap.
	SchedulerQueueDepth prometheus.Gauge

	// SchedulerDrainLatency records the delay between a pending entry's
	// fire_at and the moment it was actually published.
	SchedulerDrainLatency prometheus.Histogram

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// SupervisorEscalationsTotal counts timeout escalations. Labels: kind
	// (arm_timeout, start_timeout, stop_timeout)
	SupervisorEscalationsTotal *prometheus.CounterVec

	// HypervisorInvocationsTotal counts calls into the hypervisor
	// collaborator. Labels: op (handle_timeout, tactical_nuclear_option)
	HypervisorInvocationsTotal *prometheus.CounterVec

	// ErrorLogSuppressionsTotal counts error-log emissions suppressed by
	// the per-kind rate limiter. Labels: kind
	ErrorLogSuppressionsTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the agent started.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all dispatcher Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CommandsIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "gate",
			Name:      "commands_issued_total",
			Help:      "Total commands processed by the Command Gate, by command, detector and outcome.",
		}, []string{"command", "detector", "outcome"}),

		ArmBusyRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "gate",
			Name:      "arm_busy_rejections_total",
			Help:      "Total arm commands refused because another detector was already arming.",
		}),

		CooldownRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "gate",
			Name:      "cooldown_rejections_total",
			Help:      "Total commands refused by the per-command cooldown timer, by command.",
		}, []string{"command"}),

		DetectorStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Subsystem: "daq",
			Name:      "detector_status",
			Help:      "Current aggregate status per detector (wire-encoded 0..6).",
		}, []string{"detector"}),

		RunNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Subsystem: "daq",
			Name:      "run_number",
			Help:      "Most recent run number reported by the crate controllers.",
		}),

		SchedulerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current depth of the delayed command scheduler's in-memory heap.",
		}),

		SchedulerDrainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Subsystem: "scheduler",
			Name:      "drain_latency_seconds",
			Help:      "Delay between a pending entry's fire_at and its publication.",
			Buckets:   prometheus.DefBuckets,
		}),

		SupervisorEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "supervisor",
			Name:      "escalations_total",
			Help:      "Total timeout escalations, by kind.",
		}, []string{"kind"}),

		HypervisorInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "hypervisor",
			Name:      "invocations_total",
			Help:      "Total calls into the hypervisor collaborator, by operation.",
		}, []string{"op"}),

		ErrorLogSuppressionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher",
			Subsystem: "log",
			Name:      "suppressions_total",
			Help:      "Total error-log emissions suppressed by the per-kind rate limiter.",
		}, []string{"kind"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatcher",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatcher",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the dispatcher started.",
		}),
	}

	reg.MustRegister(
		m.CommandsIssuedTotal,
		m.ArmBusyRejectionsTotal,
		m.CooldownRejectionsTotal,
		m.DetectorStatus,
		m.RunNumber,
		m.SchedulerQueueDepth,
		m.SchedulerDrainLatency,
		m.SupervisorEscalationsTotal,
		m.HypervisorInvocationsTotal,
		m.ErrorLogSuppressionsTotal,
		m.StorageWriteLatency,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to
// addr (e.g. "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
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
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
