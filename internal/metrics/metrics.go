// Package metrics exposes Prometheus instruments for the gate and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/powgate/pkg/circuit"
	"github.com/bardlex/powgate/pkg/log"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_challenges_issued_total",
		Help: "The total number of challenges issued",
	}, []string{"difficulty"})

	verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_verdicts_total",
		Help: "The total number of verdicts sent, by outcome",
	}, []string{"verdict"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powgate_sessions_active",
		Help: "Connections currently running the challenge exchange",
	})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powgate_session_duration_seconds",
		Help:    "Time from accept to close, by outcome",
		Buckets: prometheus.ExponentialBucketsRange(0.001, 60, 16),
	}, []string{"outcome"})

	sessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_session_errors_total",
		Help: "Sessions that ended with an error, by stage",
	}, []string{"stage"})

	acceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powgate_accept_errors_total",
		Help: "Listener accept failures",
	})

	recorderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_recorder_errors_total",
		Help: "Failed attempt writes, by sink",
	}, []string{"sink"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powgate_breaker_state",
		Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open)",
	}, []string{"breaker"})

	solveHashes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "powgate_client_solve_hashes",
		Help:    "Hashes a client needed to solve a challenge",
		Buckets: prometheus.ExponentialBucketsRange(1, math.Pow(2, 32), 20),
	})
)

// ChallengeIssued counts a challenge sent at difficulty
func ChallengeIssued(difficulty uint8) {
	challengesIssued.WithLabelValues(strconv.Itoa(int(difficulty))).Inc()
}

// VerdictSent counts a verdict by name
func VerdictSent(verdict string) {
	verdicts.WithLabelValues(verdict).Inc()
}

// SessionStarted bumps the active session gauge
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionEnded drops the active session gauge and records its duration
func SessionEnded(outcome string, d time.Duration) {
	sessionsActive.Dec()
	sessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SessionError counts a session failure at stage
func SessionError(stage string) {
	sessionErrors.WithLabelValues(stage).Inc()
}

// AcceptError counts a listener accept failure
func AcceptError() {
	acceptErrors.Inc()
}

// RecorderError counts a failed write to sink
func RecorderError(sink string) {
	recorderErrors.WithLabelValues(sink).Inc()
}

// BreakerStateChanged is a circuit.Config OnStateChange hook
func BreakerStateChanged(name string, _, to circuit.State) {
	breakerState.WithLabelValues(name).Set(float64(to))
}

// SolveFinished records how many hashes a client spent
func SolveFinished(hashes uint64) {
	solveHashes.Observe(float64(hashes))
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			logger.WithError(err).Warn("cannot shut down metrics server")
		}
	}()

	logger.Info("serving metrics", "addr", listener.Addr().String())
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
