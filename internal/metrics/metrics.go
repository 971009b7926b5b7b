// Package metrics exposes Prometheus instrumentation for the fleet.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TerminalsConfigured tracks how many terminals exist in the registry.
	TerminalsConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mtfleet_terminals_configured",
		Help: "Number of terminals in the registry.",
	})

	// TerminalsConnected tracks how many terminals currently have a live
	// session.
	TerminalsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mtfleet_terminals_connected",
		Help: "Number of terminals with an established session.",
	})

	// ConnectAttempts counts connect attempts per terminal and outcome.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtfleet_connect_attempts_total",
		Help: "Connect attempts by terminal and outcome.",
	}, []string{"terminal", "outcome"})

	// Polls counts poll cycles per terminal and outcome.
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtfleet_polls_total",
		Help: "Poll cycles by terminal and outcome.",
	}, []string{"terminal", "outcome"})

	// PollDuration observes how long a full poll cycle takes.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mtfleet_poll_duration_seconds",
		Help:    "Duration of a full poll cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// Cooldowns counts how often a terminal entered the extended
	// cool-down after exhausting its retries.
	Cooldowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtfleet_cooldowns_total",
		Help: "Times a terminal entered reconnect cool-down.",
	}, []string{"terminal"})
)

// TerminalLabel formats a terminal ID for use as a metric label.
func TerminalLabel(terminalID int) string {
	return strconv.Itoa(terminalID)
}

// ObservePoll records one poll cycle's outcome and duration.
func ObservePoll(terminalID int, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Polls.WithLabelValues(TerminalLabel(terminalID), outcome).Inc()
	PollDuration.Observe(elapsed.Seconds())
}

// Serve exposes /metrics on the given port. Blocks until the listener
// fails; run it in its own goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
