// Package metrics provides Prometheus instrumentation for the tuning
// daemons and an optional HTTP listener exposing it.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CPUMetrics instruments the vCPU scheduler.
type CPUMetrics struct {
	Ticks        prometheus.Counter
	Migrations   prometheus.Counter
	SampleErrors prometheus.Counter
	PCPUUtil     *prometheus.GaugeVec
	VCPUUtil     *prometheus.GaugeVec
}

// NewCPUMetrics registers the vCPU scheduler metrics on reg.
func NewCPUMetrics(reg prometheus.Registerer) *CPUMetrics {
	f := promauto.With(reg)
	return &CPUMetrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_cpu_ticks_total",
			Help: "Completed vCPU scheduler cycles.",
		}),
		Migrations: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_cpu_migrations_total",
			Help: "vCPU repinnings issued.",
		}),
		SampleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_cpu_sample_errors_total",
			Help: "Counter regressions observed while sampling.",
		}),
		PCPUUtil: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "virttuned_pcpu_utilization_percent",
			Help: "Last sampled pCPU utilization.",
		}, []string{"pcpu"}),
		VCPUUtil: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "virttuned_vcpu_utilization_percent",
			Help: "Last sampled vCPU utilization.",
		}, []string{"guest"}),
	}
}

// MemMetrics instruments the memory coordinator.
type MemMetrics struct {
	Ticks        prometheus.Counter
	Adjustments  prometheus.Counter
	FairReclaims prometheus.Counter
	HostFreeKiB  prometheus.Gauge
	BalloonKiB   *prometheus.GaugeVec
}

// NewMemMetrics registers the memory coordinator metrics on reg.
func NewMemMetrics(reg prometheus.Registerer) *MemMetrics {
	f := promauto.With(reg)
	return &MemMetrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_mem_ticks_total",
			Help: "Completed memory coordinator cycles.",
		}),
		Adjustments: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_mem_adjustments_total",
			Help: "Balloon resize commands issued.",
		}),
		FairReclaims: f.NewCounter(prometheus.CounterOpts{
			Name: "virttuned_mem_fair_reclaims_total",
			Help: "Ticks that entered the fair-reclaim branch.",
		}),
		HostFreeKiB: f.NewGauge(prometheus.GaugeOpts{
			Name: "virttuned_host_free_kibibytes",
			Help: "Last sampled host free memory.",
		}),
		BalloonKiB: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "virttuned_guest_balloon_kibibytes",
			Help: "Last sampled guest balloon size.",
		}, []string{"guest"}),
	}
}

// NewRegistry returns a registry preloaded with the standard process and Go
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Serve exposes reg on addr at /metrics until ctx is cancelled. It runs the
// listener on its own goroutine and never blocks the control loop.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Metrics listener started", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics listener failed", zap.Error(err))
		}
	}()
}
