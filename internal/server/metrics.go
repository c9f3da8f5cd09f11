package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mos/storaged/pkg/shell"
)

var (
	commandTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storaged_command_total",
			Help: "Total privileged command invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storaged_command_duration_seconds",
			Help:    "Duration of privileged command invocations by tool.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
	poolCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storaged_pools",
			Help: "Number of registered pools.",
		},
	)
)

func init() {
	prometheus.MustRegister(commandTotal)
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(poolCount)
}

// MeteredRunner wraps a Runner with Prometheus instrumentation.
type MeteredRunner struct {
	Next shell.Runner
}

func (m *MeteredRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
	start := time.Now()
	res, err := m.Next.Run(ctx, timeout, name, args...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commandTotal.WithLabelValues(name, outcome).Inc()
	commandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return res, err
}

func setPoolCount(n int) { poolCount.Set(float64(n)) }
