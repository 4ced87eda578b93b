package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "managesieve_client_sessions_total",
			Help: "Total number of sessions opened, by greeting outcome",
		},
		[]string{"result"},
	)

	SessionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "managesieve_client_sessions_current",
			Help: "Current number of open sessions",
		},
	)

	TLSUpgrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "managesieve_client_tls_upgrades_total",
			Help: "Total number of STARTTLS upgrades attempted",
		},
		[]string{"result"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "managesieve_client_authentication_attempts_total",
			Help: "Total number of SASL authentication attempts",
		},
		[]string{"mechanism", "result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "managesieve_client_commands_total",
			Help: "Total number of commands sent, by completion status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "managesieve_client_command_duration_seconds",
			Help:    "Time from sending a command to reading its completion",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"command"},
	)

	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "managesieve_client_bytes_total",
			Help: "Total bytes exchanged with servers",
		},
		[]string{"direction"},
	)

	ScriptBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "managesieve_client_script_size_bytes",
			Help:    "Size of scripts uploaded or downloaded",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"operation"},
	)
)

// Status labels for CommandsTotal.
const (
	StatusOK       = "ok"
	StatusNo       = "no"
	StatusBye      = "bye"
	StatusError    = "error"
	DirectionIn    = "in"
	DirectionOut   = "out"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)
