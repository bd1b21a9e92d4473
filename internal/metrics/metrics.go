package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edrcp_agents_registered",
		Help: "Total number of agents known to the registry.",
	})
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edrcp_agents_online",
		Help: "Number of agents currently marked ONLINE.",
	})
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edrcp_agents_by_status",
		Help: "Number of agents in each status.",
	}, []string{"status"})
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edrcp_streams_active",
		Help: "Number of currently registered bidirectional streams.",
	})
	FramesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_frames_in_total",
		Help: "Inbound stream frames processed, by message type.",
	}, []string{"message_type"})
	FramesOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_frames_out_total",
		Help: "Outbound stream frames emitted, by message type.",
	}, []string{"message_type"})
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edrcp_command_queue_depth",
		Help: "Total number of pending commands across all agents.",
	})
	CommandsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_commands_enqueued_total",
		Help: "Total commands enqueued, by command type.",
	}, []string{"type"})
	CommandResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_command_results_total",
		Help: "Total command results recorded, by success.",
	}, []string{"success"})
	IOCVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edrcp_ioc_store_version",
		Help: "Current committed version of the IOC store.",
	})
	IOCMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_ioc_matches_total",
		Help: "Total IOC match reports received, by indicator type.",
	}, []string{"type"})
	IOCPushSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edrcp_ioc_push_success_total",
		Help: "Total successful IOC push enqueues during fleet publish.",
	})
	IOCPushFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edrcp_ioc_push_failure_total",
		Help: "Total failed IOC push enqueues during fleet publish.",
	})
	LivenessDemotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edrcp_liveness_demoted_total",
		Help: "Total agents demoted to OFFLINE by the liveness sweep.",
	})
	PersistSaveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edrcp_persist_save_duration_seconds",
		Help:    "Duration of whole-file persistence writes, by collection.",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})
	PersistCorruptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edrcp_persist_corruptions_total",
		Help: "Total corrupted persisted files recovered via rename-aside, by collection.",
	}, []string{"collection"})
)
