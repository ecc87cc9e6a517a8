package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opp_events_fired_total",
		Help: "Total number of events fired on the bus by origin",
	}, []string{"origin"})

	ListenerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opp_listener_panics_total",
		Help: "Total number of panics recovered from event listeners",
	})

	StateWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opp_state_writes_total",
		Help: "Total number of state machine writes by result (changed, updated, noop, removed)",
	}, []string{"result"})

	ServiceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opp_service_calls_total",
		Help: "Total number of service calls by domain and result",
	}, []string{"domain", "result"})

	ServiceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opp_service_call_duration_seconds",
		Help:    "Service handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"domain"})

	ExecutorJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opp_executor_jobs_in_flight",
		Help: "Number of blocking jobs currently running on the executor",
	})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opp_websocket_connections",
		Help: "Number of open WebSocket API connections",
	})

	WebSocketCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opp_websocket_commands_total",
		Help: "Total number of WebSocket commands handled by type",
	}, []string{"type"})

	WebSocketOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opp_websocket_send_overflow_total",
		Help: "Total number of connections closed because their send queue overflowed",
	})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opp_auth_failures_total",
		Help: "Total number of failed authentication attempts by transport",
	}, []string{"transport"})
)

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// IncEventFired records one event fired with the given origin.
func IncEventFired(origin string) {
	EventsFiredTotal.WithLabelValues(label(origin)).Inc()
}

// IncListenerPanic records a recovered listener panic.
func IncListenerPanic() {
	ListenerPanicsTotal.Inc()
}

// IncStateWrite records a state machine write outcome.
func IncStateWrite(result string) {
	StateWritesTotal.WithLabelValues(label(result)).Inc()
}

// ObserveServiceCall records a finished service handler.
func ObserveServiceCall(domain, result string, elapsed time.Duration) {
	ServiceCallsTotal.WithLabelValues(label(domain), label(result)).Inc()
	ServiceCallDuration.WithLabelValues(label(domain)).Observe(elapsed.Seconds())
}

// IncWebSocketCommand records a handled WebSocket command.
func IncWebSocketCommand(cmdType string) {
	WebSocketCommandsTotal.WithLabelValues(label(cmdType)).Inc()
}

// IncAuthFailure records a failed authentication attempt.
func IncAuthFailure(transport string) {
	AuthFailuresTotal.WithLabelValues(label(transport)).Inc()
}
