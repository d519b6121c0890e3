package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Counters for the poll cycle pipeline.
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "cycles_total",
		Help:      "Poll cycles by outcome.",
	}, []string{"outcome"})

	FetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "fetch_failures_total",
		Help:      "Failed sub-fetches by source and error kind.",
	}, []string{"source", "kind"})

	AnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "anomalies_total",
		Help:      "Anomaly events emitted by the detector, by alert type.",
	}, []string{"type"})

	AlertsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "alerts_sent_total",
		Help:      "Alerts that passed the cooldown gate and were dispatched.",
	})

	AlertsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "alerts_suppressed_total",
		Help:      "Alerts suppressed by the cooldown gate.",
	})

	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dvolwatcher",
		Name:      "persist_failures_total",
		Help:      "Snapshot writes that failed; in-memory state is retained.",
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	log := logger.With().Str("component", "metrics").Logger()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
