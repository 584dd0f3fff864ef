// Package metrics exposes the Prometheus instrumentation for the call
// core: call and patch lifecycle counters plus duration histograms.
// Register() must run once before serving /metrics.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveCalls is the number of calls currently registered.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_active_calls",
		Help: "Current number of active calls",
	})

	// CallsEstablishedTotal counts calls that reached establishment.
	CallsEstablishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_calls_established_total",
		Help: "Total number of calls that reached establishment",
	})

	// CallsEndedTotal counts cleared calls by end reason.
	CallsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_calls_ended_total",
			Help: "Total number of cleared calls by end reason",
		},
		[]string{"reason"},
	)

	// CallSetupSeconds observes time from call creation to establishment.
	CallSetupSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_call_setup_seconds",
		Help:    "Time from call creation to establishment",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// CallSeconds observes established call duration.
	CallSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_call_seconds",
		Help:    "Established call duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	// PatchesCreatedTotal counts media patches created.
	PatchesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_patches_created_total",
		Help: "Total number of media patches created",
	})

	// NegotiationFailuresTotal counts media negotiations that found no
	// workable format pair.
	NegotiationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tandem_negotiation_failures_total",
		Help: "Total number of failed media format negotiations",
	})
)

// Register adds all metrics to the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		ActiveCalls,
		CallsEstablishedTotal,
		CallsEndedTotal,
		CallSetupSeconds,
		CallSeconds,
		PatchesCreatedTotal,
		NegotiationFailuresTotal,
	)
}

// StartServer serves /metrics and /health on the given address in a
// background goroutine and returns the server for shutdown.
func StartServer(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		slog.Info("[Metrics] Serving", "address", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[Metrics] Server failed", "error", err)
		}
	}()
	return server
}
