// Package metrics exposes the Prometheus collectors of the escrow service.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow"

// Registry holds every collector of the process.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	ledgerTransactions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Transactions applied by the ledger, by receipt status.",
	}, []string{"status"})

	ledgerApply = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one transaction.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	builds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "builds_total",
		Help:      "Unsigned transactions built, by operation.",
	}, []string{"op"})

	submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "submissions_total",
		Help:      "Submission outcomes, by operation and outcome.",
	}, []string{"op", "outcome"})

	confirmation = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "confirmation_seconds",
		Help:      "Time from submission to a terminal outcome.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	faucetGrants = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "faucet",
		Name:      "requests_total",
		Help:      "Faucet requests, by result.",
	}, []string{"result"})

	reconciles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation passes, by kind and result.",
	}, []string{"kind", "result"})

	conflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "conflicts_total",
		Help:      "Mirror records that disagreed with the ledger.",
	}, []string{"entity"})

	queueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "in_flight",
		Help:      "Outcome messages currently being processed.",
	}, []string{"backend"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveLedgerTransaction records one applied ledger transaction.
func ObserveLedgerTransaction(status string, duration time.Duration) {
	ledgerTransactions.WithLabelValues(status).Inc()
	ledgerApply.Observe(duration.Seconds())
}

// ObserveBuild counts an unsigned transaction produced for op.
func ObserveBuild(op string) {
	builds.WithLabelValues(op).Inc()
}

// ObserveSubmission records the outcome of a submitted transaction.
func ObserveSubmission(op, outcome string, duration time.Duration) {
	submissions.WithLabelValues(op, outcome).Inc()
	confirmation.Observe(duration.Seconds())
}

// ObserveFaucet counts a faucet request by result.
func ObserveFaucet(result string) {
	faucetGrants.WithLabelValues(result).Inc()
}

// ObserveReconcile counts a reconciliation pass.
func ObserveReconcile(kind, result string) {
	reconciles.WithLabelValues(kind, result).Inc()
}

// ObserveConflict counts a mirror record that disagreed with the ledger.
func ObserveConflict(entity string) {
	conflicts.WithLabelValues(entity).Inc()
}

// TrackInFlight increments the in-flight gauge of backend and returns the
// matching decrement.
func TrackInFlight(backend string) func() {
	g := queueDepth.WithLabelValues(backend)
	g.Inc()
	return g.Dec
}

// Handler exposes the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
