package telemetry

// PhaseBuckets for snapshot, transfer and restore phase durations
var PhaseBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Transfer Session Metrics
var (
	// SyncSessionsTotal counts transfer sessions by direction (push, pull) and result (completed, failed)
	SyncSessionsTotal CounterVec = noopCounterVec{}

	// SyncPhaseDurationSeconds measures per-phase duration by phase (backup, transfer, restore)
	SyncPhaseDurationSeconds HistogramVec = noopHistogramVec{}

	// SyncTransferredBytesTotal counts snapshot bytes moved between peers
	SyncTransferredBytesTotal Counter = NoopStat{}

	// SyncTransferSpeed tracks the last observed transfer speed in bytes/sec
	SyncTransferSpeed Gauge = NoopStat{}

	// ActiveSessions tracks transfer sessions currently in flight
	ActiveSessions Gauge = NoopStat{}
)

// Restore Metrics
var (
	// RestoreStatementsTotal counts fallback-restore statements by result (succeeded, failed, retried)
	RestoreStatementsTotal CounterVec = noopCounterVec{}
)

// Transport Metrics
var (
	// AuthFailuresTotal counts rejected peer requests by reason (missing_headers, hash_mismatch)
	AuthFailuresTotal CounterVec = noopCounterVec{}

	// PeerRequestsTotal counts inbound peer requests by endpoint and result
	PeerRequestsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SyncSessionsTotal = NewCounterVec(
		"sync_sessions_total",
		"Transfer sessions by direction and result",
		[]string{"direction", "result"},
	)
	SyncPhaseDurationSeconds = NewHistogramVec(
		"sync_phase_duration_seconds",
		"Transfer phase duration in seconds",
		[]string{"phase"},
		PhaseBuckets,
	)
	SyncTransferredBytesTotal = NewCounter(
		"sync_transferred_bytes_total",
		"Total snapshot bytes moved between peers",
	)
	SyncTransferSpeed = NewGauge(
		"sync_transfer_speed_bytes",
		"Last observed transfer speed in bytes per second",
	)
	ActiveSessions = NewGauge(
		"active_sessions",
		"Transfer sessions currently in flight",
	)

	RestoreStatementsTotal = NewCounterVec(
		"restore_statements_total",
		"Fallback restore statements by result",
		[]string{"result"},
	)

	AuthFailuresTotal = NewCounterVec(
		"auth_failures_total",
		"Rejected peer requests by reason",
		[]string{"reason"},
	)
	PeerRequestsTotal = NewCounterVec(
		"peer_requests_total",
		"Inbound peer requests by endpoint and result",
		[]string{"endpoint", "result"},
	)
}
