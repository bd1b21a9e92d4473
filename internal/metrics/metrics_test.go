package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise vector label combinations so they appear in Gather output.
	AgentsByStatus.WithLabelValues("ONLINE")
	FramesInTotal.WithLabelValues("AGENT_HELLO")
	FramesOutTotal.WithLabelValues("SERVER_COMMAND")
	CommandsEnqueuedTotal.WithLabelValues("BLOCK_IP")
	CommandResultsTotal.WithLabelValues("true")
	IOCMatchesTotal.WithLabelValues("IP")
	PersistSaveDuration.WithLabelValues("agents")
	PersistCorruptionsTotal.WithLabelValues("agents")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"edrcp_agents_registered":             false,
		"edrcp_agents_online":                 false,
		"edrcp_agents_by_status":              false,
		"edrcp_streams_active":                false,
		"edrcp_frames_in_total":               false,
		"edrcp_frames_out_total":              false,
		"edrcp_command_queue_depth":           false,
		"edrcp_commands_enqueued_total":       false,
		"edrcp_command_results_total":         false,
		"edrcp_ioc_store_version":             false,
		"edrcp_ioc_matches_total":             false,
		"edrcp_ioc_push_success_total":        false,
		"edrcp_ioc_push_failure_total":        false,
		"edrcp_liveness_demoted_total":        false,
		"edrcp_persist_save_duration_seconds": false,
		"edrcp_persist_corruptions_total":     false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	IOCPushSuccessTotal.Add(1)
	IOCPushFailureTotal.Add(1)
	LivenessDemotedTotal.Add(1)
	CommandsEnqueuedTotal.WithLabelValues("BLOCK_IP").Inc()
	CommandResultsTotal.WithLabelValues("true").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	AgentsRegistered.Set(10)
	AgentsOnline.Set(8)
	CommandQueueDepth.Set(3)
	IOCVersion.Set(2)
	// No panic = success.
}
