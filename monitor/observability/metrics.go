package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundDuration tracks the wall time of one polling round.
	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scnms_round_duration_seconds",
		Help:    "Duration of one polling round",
		Buckets: prometheus.DefBuckets,
	})

	// Rounds counts finished rounds by result (ok, store_unavailable, skipped, error).
	Rounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_rounds_total",
		Help: "Total number of polling rounds by result",
	}, []string{"result"})

	// RecordFailures counts poll outcomes whose metrics or alarms could not be
	// recorded for a reason other than store availability.
	RecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scnms_record_failures_total",
		Help: "Total number of poll outcomes that could not be recorded",
	})

	// DueJobs is the number of jobs selected in the latest round.
	DueJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_due_jobs",
		Help: "Number of jobs selected as due in the latest round",
	})

	// PollOutcomes counts dispatched fetches by protocol and result.
	PollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_poll_outcomes_total",
		Help: "Poll outcomes by protocol and result",
	}, []string{"protocol", "result"})

	// FetchDuration tracks protocol fetch latency.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scnms_fetch_duration_seconds",
		Help:    "Protocol fetch latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"protocol"})

	// DispatchQueueDepth is the number of jobs waiting for a worker.
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_dispatch_queue_depth",
		Help: "Jobs submitted to the dispatcher and not yet picked up",
	})

	// WorkerSaturation is the fraction of dispatcher workers busy (0-1).
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_dispatch_worker_saturation",
		Help: "Fraction of dispatcher workers currently fetching",
	})

	// MetricsWritten counts samples appended to the metric store.
	MetricsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scnms_metrics_written_total",
		Help: "Metric samples appended",
	})

	// CoercionFailures counts non-numeric values stored as zero.
	CoercionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_metric_coercion_failures_total",
		Help: "Non-numeric protocol values coerced to 0",
	}, []string{"metric"})

	// AlarmDecisions counts evaluator decisions by kind.
	AlarmDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_alarm_decisions_total",
		Help: "Alarm evaluator decisions",
	}, []string{"decision"})

	// AlarmTransitions counts lifecycle events by type.
	AlarmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_alarm_transitions_total",
		Help: "Alarm lifecycle transitions",
	}, []string{"event_type"})

	// PublishFailures counts event bus publishes that failed.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_publish_failures_total",
		Help: "Event publishes that failed (best effort)",
	}, []string{"topic"})

	// RetentionDeleted counts closed alarms purged by retention.
	RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scnms_retention_deleted_total",
		Help: "Closed alarms deleted by the retention sweep",
	})

	// TrapsReceived counts inbound traps by result.
	TrapsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_traps_received_total",
		Help: "Inbound traps by handling result",
	}, []string{"result"})

	// StoreCircuitState tracks the round gate (0=closed, 1=half_open, 2=open).
	StoreCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_store_circuit_state",
		Help: "State of the store circuit breaker (0=closed, 1=half_open, 2=open)",
	})

	// WebsocketClients is the number of connected alarm stream clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_ws_clients",
		Help: "Connected websocket alarm stream clients",
	})

	// LeaderStatus reports whether this instance is the poller leader (1) or not (0).
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scnms_leader_status",
		Help: "Whether this instance holds the poller lease",
	})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scnms_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scnms_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// RedisLatency tracks coordination round-trips.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scnms_redis_latency_seconds",
		Help:    "Redis coordination command latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})
)
