package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "tgfleet/pkg/logx"
)

var (
	JobSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_steps_total",
		Help: "Per-target step outcomes across all jobs.",
	}, []string{"kind", "outcome"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_total",
		Help: "Jobs that reached a terminal state.",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_job_duration_seconds",
		Help:    "Wall time from runner start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
)

// StartServer exposes /metrics on the given address. Best-effort: a failure
// to bind is logged, not fatal.
func StartServer(addr string, log logx.Logger) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server failed", logx.String("addr", addr), logx.Err(err))
		}
	}()
}
