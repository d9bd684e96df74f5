// Package metrics exposes the Prometheus instruments of the workers.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"tube", "outcome"}) // outcome: success, released, deleted

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odr_job_duration_seconds",
		Help:    "Duration of job processing.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tube"})

	FinalizeRace = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_finalize_race_total",
		Help: "Finalize race attempts by result",
	}, []string{"result"}) // result: won, lost

	DrainedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_drained_jobs_total",
		Help: "Jobs discarded by the tube clearing utility",
	}, []string{"tube"})

	Respawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odr_respawns_total",
		Help: "Worker processes restarted by the monitor",
	}, []string{"match"})
)

// Recorder feeds runner outcomes into JobsProcessed and JobDuration.
type Recorder struct{}

func (Recorder) JobDone(tube, outcome string, took time.Duration) {
	JobsProcessed.WithLabelValues(tube, outcome).Inc()
	JobDuration.WithLabelValues(tube).Observe(took.Seconds())
}

// RaceResult counts one finalize race attempt.
func RaceResult(won bool) {
	if won {
		FinalizeRace.WithLabelValues("won").Inc()
		return
	}
	FinalizeRace.WithLabelValues("lost").Inc()
}

// StartServer serves /metrics on addr until ctx ends. An empty addr
// disables the server.
func StartServer(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Infof(ctx, "serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "metrics server failed")
		}
	}()
}
