package iocpush

import (
	"testing"
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/events"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
)

func registerOnline(t *testing.T, agents *agent.Registry, hostname string) string {
	t.Helper()
	rec, err := agents.Register(agent.Agent{Hostname: hostname})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := agents.UpdateStatus(rec.ID, agent.StatusOnline, 1, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	return rec.ID
}

func newID() string { return "cmd-fixed" }

func TestStreamLocalCheckEnqueuesWhenBehind(t *testing.T) {
	clk := clock.Real{}
	agents := agent.New(clk, nil)
	iocs := ioc.New(clk, nil, 0)
	_ = iocs.AddIP("1.2.3.4", "test", ioc.SeverityHigh)
	_, _, _ = iocs.CommitVersion()
	queue := command.NewQueue(events.New())
	o := New(agents, queue, iocs, logging.New(false))

	id := registerOnline(t, agents, "host-a")
	o.StreamLocalCheck(id, 100, newID)

	if !queue.HasUpdateIOCs(id) {
		t.Error("expected UPDATE_IOCS to be enqueued for a stale agent")
	}
}

func TestStreamLocalCheckNoopWhenCurrent(t *testing.T) {
	clk := clock.Real{}
	agents := agent.New(clk, nil)
	iocs := ioc.New(clk, nil, 0)
	queue := command.NewQueue(events.New())
	o := New(agents, queue, iocs, logging.New(false))

	id := registerOnline(t, agents, "host-b")
	if err := agents.SetIOCVersion(id, iocs.Version()); err != nil {
		t.Fatalf("SetIOCVersion: %v", err)
	}
	o.StreamLocalCheck(id, 100, newID)

	if queue.HasUpdateIOCs(id) {
		t.Error("did not expect UPDATE_IOCS for an up-to-date agent")
	}
}

func TestStreamLocalCheckIgnoresUnknownAgent(t *testing.T) {
	clk := clock.Real{}
	agents := agent.New(clk, nil)
	iocs := ioc.New(clk, nil, 0)
	queue := command.NewQueue(events.New())
	o := New(agents, queue, iocs, logging.New(false))

	o.StreamLocalCheck("ghost", 100, newID)
	if queue.HasUpdateIOCs("ghost") {
		t.Error("unknown agent should never get an enqueued command")
	}
}

func TestPublishOnlyTargetsOnlineAgents(t *testing.T) {
	clk := clock.Real{}
	agents := agent.New(clk, nil)
	iocs := ioc.New(clk, nil, 0)
	queue := command.NewQueue(events.New())
	o := New(agents, queue, iocs, logging.New(false))
	o.sleep = func(time.Duration) {}

	onlineID := registerOnline(t, agents, "host-online")
	offlineRec, err := agents.Register(agent.Agent{Hostname: "host-offline"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	success, total := o.Publish(100, newID)
	if total != 1 {
		t.Fatalf("total online = %d, want 1", total)
	}
	if success != 1 {
		t.Fatalf("success = %d, want 1", success)
	}
	if !queue.HasUpdateIOCs(onlineID) {
		t.Error("expected UPDATE_IOCS enqueued for the online agent")
	}
	if queue.HasUpdateIOCs(offlineRec.ID) {
		t.Error("did not expect UPDATE_IOCS enqueued for the offline agent")
	}
}
