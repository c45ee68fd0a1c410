package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Child lifecycle
	ServerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_up",
			Help: "Child status (1=starting or running, 0=inactive)",
		},
		[]string{"server"},
	)

	ServerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_state",
			Help: "Current supervisor state (1 for the active state label)",
		},
		[]string{"server", "state"},
	)

	ServerStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_server_starts_total",
			Help: "Total number of child launches",
		},
		[]string{"server"},
	)

	ServerStartTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_start_time_seconds",
			Help: "Unix timestamp of the last child launch",
		},
		[]string{"server"},
	)

	ServerExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_server_exits_total",
			Help: "Total number of child exits by classification",
		},
		[]string{"server", "kind"}, // kind: normal, known, signal, unknown
	)

	ServerLastExitCode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_last_exit_code",
			Help: "Raw exit status of the last child exit",
		},
		[]string{"server"},
	)

	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchdog_handshake_duration_seconds",
			Help:    "Time from launch until the child connected back",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"server"},
	)

	HandshakeTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_handshake_timeouts_total",
			Help: "Starts that ended the handshake wait without a connection",
		},
		[]string{"server"},
	)

	ForcedKills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_forced_kills_total",
			Help: "Children killed, by cause",
		},
		[]string{"server", "cause"}, // cause: request, grace_expired, stream_closed, start_failed
	)

	RelayedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_relayed_bytes_total",
			Help: "Bytes of child output copied into the log sink",
		},
		[]string{"server"},
	)

	// Control plane
	ControlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_control_requests_total",
			Help: "Control operations by outcome",
		},
		[]string{"op", "result"}, // result: ok or an error kind
	)

	ControlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchdog_control_duration_seconds",
			Help:    "Control operation latency",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		},
		[]string{"op"},
	)

	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchdog_registry_supervisors",
			Help: "Number of supervisors held by the registry",
		},
	)

	// Resource metrics (gopsutil)
	ServerCPUPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_cpu_percent",
			Help: "Child CPU usage percentage (per-core, can exceed 100)",
		},
		[]string{"server"},
	)

	ServerMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_memory_bytes",
			Help: "Child memory usage in bytes",
		},
		[]string{"server", "type"}, // type: rss, vms
	)

	ServerThreads = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_server_threads",
			Help: "Number of threads in the child",
		},
		[]string{"server"},
	)

	ZombiesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchdog_zombies_reaped_total",
			Help: "Orphaned processes reaped by the subreaper loop",
		},
	)

	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_build_info",
			Help: "Watchdog build information",
		},
		[]string{"version", "go_version"},
	)
)

// knownStates lists every supervisor state so stale state labels get reset
var knownStates = []string{"idle", "starting", "running", "stopping", "stopped", "killed"}

// RecordStart records a child launch
func RecordStart(server string, startTime float64) {
	ServerUp.WithLabelValues(server).Set(1)
	ServerStarts.WithLabelValues(server).Inc()
	ServerStartTime.WithLabelValues(server).Set(startTime)
}

// RecordExit records a classified child exit
func RecordExit(server, kind string, code int) {
	ServerUp.WithLabelValues(server).Set(0)
	ServerExits.WithLabelValues(server, kind).Inc()
	ServerLastExitCode.WithLabelValues(server).Set(float64(code))
}

// SetState flips the state gauge of a server to state
func SetState(server, state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ServerState.WithLabelValues(server, s).Set(v)
	}
}

// RecordHandshake records how long the child took to connect back; connected=false counts a timeout
func RecordHandshake(server string, seconds float64, connected bool) {
	if !connected {
		HandshakeTimeouts.WithLabelValues(server).Inc()
		return
	}
	HandshakeDuration.WithLabelValues(server).Observe(seconds)
}

// RecordForcedKill counts a kill and its cause
func RecordForcedKill(server, cause string) {
	ForcedKills.WithLabelValues(server, cause).Inc()
}

// RecordRelayedBytes adds to the relayed output counter
func RecordRelayedBytes(server string, n int) {
	RelayedBytes.WithLabelValues(server).Add(float64(n))
}

// RecordControl records one control operation
func RecordControl(op, result string, seconds float64) {
	ControlRequests.WithLabelValues(op, result).Inc()
	ControlDuration.WithLabelValues(op).Observe(seconds)
}

// SetRegistrySize sets the number of registered supervisors
func SetRegistrySize(n int) {
	RegistrySize.Set(float64(n))
}

// RecordZombiesReaped adds n reaped orphans
func RecordZombiesReaped(n int) {
	ZombiesReaped.Add(float64(n))
}

// SetBuildInfo sets build information
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}
