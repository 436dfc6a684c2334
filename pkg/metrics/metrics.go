package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream/member metrics
	StreamsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_streams_total",
			Help: "Total number of streams known to this replica",
		},
	)

	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_members_total",
			Help: "Total number of stream members by observed state",
		},
		[]string{"state"},
	)

	InFlightActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_inflight_actions",
			Help: "Number of members with an aux action currently in flight",
		},
	)

	// Election metrics
	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_elections_total",
			Help: "Total number of writer elections run across all streams",
		},
	)

	EpochGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_stream_epoch",
			Help: "Current epoch of each stream",
		},
		[]string{"stream"},
	)

	// Aux action metrics
	AuxActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_aux_actions_total",
			Help: "Total number of aux actions scheduled by kind",
		},
		[]string{"kind"},
	)

	AuxActionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_aux_action_failures_total",
			Help: "Total number of aux actions that reported failure, by kind",
		},
		[]string{"kind"},
	)

	AuxActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_aux_action_duration_seconds",
			Help:    "Time from scheduling an aux action to its result arriving",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Listener metrics
	ListenerNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_listener_notifications_total",
			Help: "Total number of listener notifications emitted by event kind",
		},
		[]string{"event"},
	)

	// Dispatcher/command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_commands_total",
			Help: "Total number of commands applied, by op and reply kind",
		},
		[]string{"op", "reply"},
	)

	CoordinatorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_errors_total",
			Help: "Total number of error replies and recovered panics, by kind",
		},
		[]string{"kind"},
	)

	ReleaseCursorTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_release_cursor_total",
			Help: "Total number of release-cursor snapshots emitted",
		},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_apply_duration_seconds",
			Help:    "Time taken to apply one command to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft/cluster metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_raft_apply_duration_seconds",
			Help:    "Time taken for raft.Raft.Apply to commit a command",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_query_duration_seconds",
			Help:    "Query latency by query name and source (local/quorum)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query", "source"},
	)

	QueryFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_query_fallbacks_total",
			Help: "Total number of queries that fell back from local to quorum read",
		},
		[]string{"query"},
	)
)

func init() {
	prometheus.MustRegister(
		StreamsTotal,
		MembersTotal,
		InFlightActions,
		ElectionsTotal,
		EpochGauge,
		AuxActionsTotal,
		AuxActionFailuresTotal,
		AuxActionDuration,
		ListenerNotificationsTotal,
		CommandsTotal,
		CoordinatorErrorsTotal,
		ReleaseCursorTotal,
		ApplyDuration,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		QueryDuration,
		QueryFallbacksTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording the result to a
// histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting the clock immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
