package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of server processes that reached RUNNING.",
		},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of server stops by kind (clean, forced, crash).",
		}, []string{"kind"},
	)
	serverRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "server",
			Name:      "auto_restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mcpal",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn to RUNNING.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpal",
			Subsystem: "server",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	remediations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "guard",
			Name:      "remediations_total",
			Help:      "Preflight remediations applied, by kind.",
		}, []string{"kind"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Commands written to the server console, by source and result.",
		}, []string{"source", "result"},
	)
	backupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpal",
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Backup attempts by trigger and result.",
		}, []string{"trigger", "result"},
	)
	backupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mcpal",
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Wall time of completed backup copies.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	backupBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcpal",
			Subsystem: "backup",
			Name:      "last_size_bytes",
			Help:      "Size of the most recent completed backup.",
		},
	)
	lastBackupTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcpal",
			Subsystem: "backup",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent completed backup.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverRestarts, startDuration, currentState,
		remediations, commandsSent, backupsTotal, backupDuration, backupBytes, lastBackupTime,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a read-only /metrics listener until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	if gatherer == nil {
		mux.Handle("/metrics", Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Metrics] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Helpers below no-op until Register has been called.

func IncStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncStop(kind string) {
	if regOK.Load() {
		serverStops.WithLabelValues(kind).Inc()
	}
}

func IncAutoRestart() {
	if regOK.Load() {
		serverRestarts.Inc()
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		startDuration.Observe(seconds)
	}
}

// SetState marks state as the active one among all known states
func SetState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		var value float64
		if s == state {
			value = 1
		}
		currentState.WithLabelValues(s).Set(value)
	}
}

func IncRemediation(kind string) {
	if regOK.Load() {
		remediations.WithLabelValues(kind).Inc()
	}
}

func IncCommand(source string, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsSent.WithLabelValues(source, result).Inc()
}

func RecordBackup(trigger string, err error, seconds float64, sizeBytes int64) {
	if !regOK.Load() {
		return
	}
	if err != nil {
		backupsTotal.WithLabelValues(trigger, "error").Inc()
		return
	}
	backupsTotal.WithLabelValues(trigger, "ok").Inc()
	backupDuration.Observe(seconds)
	backupBytes.Set(float64(sizeBytes))
	lastBackupTime.SetToCurrentTime()
}
