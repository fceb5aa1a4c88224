// Package metrics tracks race server runtime statistics and exports them to
// Prometheus.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "typeduel"

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current open connections
	FailedAuths       atomic.Int64 // refused handshakes
	TotalDisconnects  atomic.Int64 // connections closed after authentication

	// Matchmaking counters
	QueueJoins       atomic.Int64 // accepted find-match events
	RejectedJoins    atomic.Int64 // find-match from a user already queued or racing
	PairingFailures  atomic.Int64 // pairs requeued after a setup failure
	QueueDepartures  atomic.Int64 // waiting players that disconnected
	IgnoredEvents    atomic.Int64 // unknown or malformed events
	ProgressRelayed  atomic.Int64 // opponent-progress frames sent
	SendQueueDropped atomic.Int64 // frames dropped on a full send queue

	// Race counters
	RacesStarted     atomic.Int64
	RacesFinished    atomic.Int64
	RacesAborted     atomic.Int64
	FinishFailures   atomic.Int64 // atomic finish-writes that failed
	ResultsRecorded  atomic.Int64 // winner, loser and practice results stored
	DuplicateResults atomic.Int64 // second submissions for the same user and competition

	// StoreWriteSeconds observes Result Store write latency.
	StoreWriteSeconds prometheus.Histogram

	queueLen    func() int
	activeRaces func() int
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		StoreWriteSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_duration_seconds",
			Help:      "Duration of Result Store writes made by the race coordinator.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// SetGauges installs the sources for the queue length and active race gauges.
func (m *Metrics) SetGauges(queueLen, activeRaces func() int) {
	m.queueLen = queueLen
	m.activeRaces = activeRaces
}

// ObserveStoreWrite records the duration of a store write that started at start.
func (m *Metrics) ObserveStoreWrite(start time.Time) {
	m.StoreWriteSeconds.Observe(time.Since(start).Seconds())
}

// Snapshot is a point-in-time view of all metrics as a serializable struct.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	QueueLength      int64 `json:"queue_length"`
	QueueJoins       int64 `json:"queue_joins"`
	RejectedJoins    int64 `json:"rejected_joins"`
	PairingFailures  int64 `json:"pairing_failures"`
	QueueDepartures  int64 `json:"queue_departures"`
	IgnoredEvents    int64 `json:"ignored_events"`
	ProgressRelayed  int64 `json:"progress_relayed"`
	SendQueueDropped int64 `json:"send_queue_dropped"`

	ActiveRaces      int64 `json:"active_races"`
	RacesStarted     int64 `json:"races_started"`
	RacesFinished    int64 `json:"races_finished"`
	RacesAborted     int64 `json:"races_aborted"`
	FinishFailures   int64 `json:"finish_failures"`
	ResultsRecorded  int64 `json:"results_recorded"`
	DuplicateResults int64 `json:"duplicate_results"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	s := Snapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		QueueJoins:        m.QueueJoins.Load(),
		RejectedJoins:     m.RejectedJoins.Load(),
		PairingFailures:   m.PairingFailures.Load(),
		QueueDepartures:   m.QueueDepartures.Load(),
		IgnoredEvents:     m.IgnoredEvents.Load(),
		ProgressRelayed:   m.ProgressRelayed.Load(),
		SendQueueDropped:  m.SendQueueDropped.Load(),
		RacesStarted:      m.RacesStarted.Load(),
		RacesFinished:     m.RacesFinished.Load(),
		RacesAborted:      m.RacesAborted.Load(),
		FinishFailures:    m.FinishFailures.Load(),
		ResultsRecorded:   m.ResultsRecorded.Load(),
		DuplicateResults:  m.DuplicateResults.Load(),
	}
	if m.queueLen != nil {
		s.QueueLength = int64(m.queueLen())
	}
	if m.activeRaces != nil {
		s.ActiveRaces = int64(m.activeRaces())
	}
	return s
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"queue", s.QueueLength,
		"active_races", s.ActiveRaces,
		"races_started", s.RacesStarted,
		"races_finished", s.RacesFinished,
		"races_aborted", s.RacesAborted,
		"pairing_failures", s.PairingFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

// MustRegister exposes every counter and gauge on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn)
	}

	reg.MustRegister(
		counter("connections_total", "WebSocket connections accepted.", &m.TotalConnections),
		counter("auth_failures_total", "Connections refused for a missing or invalid credential.", &m.FailedAuths),
		counter("disconnects_total", "Authenticated connections closed.", &m.TotalDisconnects),
		counter("queue_joins_total", "Players added to the matchmaking queue.", &m.QueueJoins),
		counter("queue_rejected_joins_total", "find-match events from users already queued or racing.", &m.RejectedJoins),
		counter("queue_departures_total", "Waiting players that disconnected before pairing.", &m.QueueDepartures),
		counter("pairing_failures_total", "Pairs requeued after sentence lookup or competition open failed.", &m.PairingFailures),
		counter("ignored_events_total", "Unknown or malformed events ignored by the gateway.", &m.IgnoredEvents),
		counter("progress_relayed_total", "opponent-progress frames relayed.", &m.ProgressRelayed),
		counter("send_queue_dropped_total", "Frames dropped because a client send queue was full.", &m.SendQueueDropped),
		counter("races_started_total", "Race sessions started.", &m.RacesStarted),
		counter("races_finished_total", "Race sessions finished by a winner.", &m.RacesFinished),
		counter("races_aborted_total", "Race sessions aborted by a disconnect.", &m.RacesAborted),
		counter("finish_failures_total", "Atomic finish-writes that failed.", &m.FinishFailures),
		counter("results_recorded_total", "Results stored.", &m.ResultsRecorded),
		counter("duplicate_results_total", "Duplicate result submissions ignored.", &m.DuplicateResults),
		gauge("active_connections", "Currently open WebSocket connections.", func() float64 {
			return float64(m.ActiveConnections.Load())
		}),
		gauge("queue_length", "Players waiting for an opponent.", func() float64 {
			if m.queueLen == nil {
				return 0
			}
			return float64(m.queueLen())
		}),
		gauge("active_races", "Race sessions currently in the registry.", func() float64 {
			if m.activeRaces == nil {
				return 0
			}
			return float64(m.activeRaces())
		}),
		m.StoreWriteSeconds,
	)
}
