package streambroker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/wire"
)

// registerOnlineWithStream enrolls an agent, marks it ONLINE with a fresh
// last_seen, and installs a fake stream handle so SendCommand's active-stream
// check passes without running a full Channel.
func registerOnlineWithStream(t *testing.T, h *testHarness) string {
	t.Helper()
	resp, err := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1", IPAddress: "10.0.0.1"})
	if err != nil || !resp.Success {
		t.Fatalf("RegisterAgent: err=%v resp=%+v", err, resp)
	}
	if err := h.agents.UpdateStatus(resp.AssignedID, agent.StatusOnline, time.Now().Unix(), nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	h.srv.streams.Register(resp.AssignedID, func() {}, make(chan struct{}))
	return resp.AssignedID
}

// TestRegisterAgentAssignsUUIDAndIsStable: an empty id gets a fresh 36-char
// UUID, and re-registering with that id returns the same id.
func TestRegisterAgentAssignsUUIDAndIsStable(t *testing.T) {
	h := newTestHarness(t)

	resp, err := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, message = %q", resp.Message)
	}
	if len(resp.AssignedID) != 36 {
		t.Errorf("AssignedID = %q, want a 36-char UUID", resp.AssignedID)
	}

	again, err := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{AgentID: resp.AssignedID, Hostname: "H1-renamed"})
	if err != nil {
		t.Fatalf("re-RegisterAgent: %v", err)
	}
	if again.AssignedID != resp.AssignedID {
		t.Errorf("re-registration changed id: %s -> %s", resp.AssignedID, again.AssignedID)
	}
}

func TestUpdateStatusUnaryAcknowledges(t *testing.T) {
	h := newTestHarness(t)
	resp, _ := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1"})

	ack, err := h.srv.UpdateStatus(context.Background(), &wire.StatusRequest{
		AgentID: resp.AssignedID, Status: "ONLINE", Timestamp: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !ack.Acknowledged {
		t.Fatal("Acknowledged = false, want true")
	}
	rec, err := h.agents.Get(resp.AssignedID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != agent.StatusOnline {
		t.Errorf("Status = %q, want ONLINE", rec.Status)
	}
}

func TestUpdateStatusUnknownAgentNotAcknowledged(t *testing.T) {
	h := newTestHarness(t)
	ack, err := h.srv.UpdateStatus(context.Background(), &wire.StatusRequest{AgentID: "ghost", Status: "ONLINE"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if ack.Acknowledged {
		t.Error("Acknowledged = true for an unknown agent, want false")
	}
}

func TestReportIOCMatchUnaryFallback(t *testing.T) {
	h := newTestHarness(t)
	resp, _ := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1"})

	ack, err := h.srv.ReportIOCMatch(context.Background(), &wire.IOCMatchReport{
		ReportID: "r1", AgentID: resp.AssignedID, Type: "IP",
		IOCValue: "9.9.9.9", MatchedValue: "conn to 9.9.9.9:443",
	})
	if err != nil {
		t.Fatalf("ReportIOCMatch: %v", err)
	}
	if !ack.Received || ack.ReportID != "r1" {
		t.Fatalf("ack = %+v, want received r1", ack)
	}

	matches := h.srv.matches.ForAgent(resp.AssignedID)
	if len(matches) != 1 {
		t.Fatalf("expected one persisted match, got %d", len(matches))
	}
}

// TestSendCommandMissingParam: an invalid command is rejected with a message
// naming the type and the missing key, and nothing is enqueued.
func TestSendCommandMissingParam(t *testing.T) {
	h := newTestHarness(t)
	id := registerOnlineWithStream(t, h)

	resp, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{
		AgentID: id, Type: "DELETE_FILE", Params: map[string]string{},
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("Success = true for a command missing its required param")
	}
	if !strings.Contains(resp.Message, "DELETE_FILE") || !strings.Contains(resp.Message, "path") {
		t.Errorf("Message = %q, want it to name DELETE_FILE and path", resp.Message)
	}
	if len(h.queue.DrainDeliverable(id, 0)) != 0 {
		t.Error("queue must be untouched after a rejected command")
	}
}

func TestSendCommandUnknownAgent(t *testing.T) {
	h := newTestHarness(t)
	resp, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{
		AgentID: "ghost", Type: "NETWORK_RESTORE",
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("Success = true for an unknown agent")
	}
}

func TestSendCommandRejectsUnknownType(t *testing.T) {
	h := newTestHarness(t)
	id := registerOnlineWithStream(t, h)

	resp, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{AgentID: id, Type: "SELF_DESTRUCT"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("Success = true for an unrecognized command type")
	}
}

func TestSendCommandRequiresActiveStream(t *testing.T) {
	h := newTestHarness(t)
	resp, _ := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1"})
	if err := h.agents.UpdateStatus(resp.AssignedID, agent.StatusOnline, time.Now().Unix(), nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	// ONLINE but no registered stream.
	got, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{
		AgentID: resp.AssignedID, Type: "BLOCK_IP", Params: map[string]string{"ip": "1.2.3.4"},
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got.Success {
		t.Fatal("Success = true without an active stream")
	}
}

// TestSendCommandUpdateIOCsNeedsOnlineOnly covers the looser gate for
// UPDATE_IOCS: ONLINE status suffices, no active stream required.
func TestSendCommandUpdateIOCsNeedsOnlineOnly(t *testing.T) {
	h := newTestHarness(t)
	resp, _ := h.srv.RegisterAgent(context.Background(), &wire.AgentInfoWire{Hostname: "H1"})
	if err := h.agents.UpdateStatus(resp.AssignedID, agent.StatusOnline, time.Now().Unix(), nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{AgentID: resp.AssignedID, Type: "UPDATE_IOCS"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !got.Success {
		t.Fatalf("Success = false, message = %q", got.Message)
	}
	if !h.queue.HasUpdateIOCs(resp.AssignedID) {
		t.Error("expected UPDATE_IOCS enqueued")
	}
}

// TestSendCommandEnqueuesAndStampsTimestamp: a valid command is accepted
// fire-and-forget and lands in the queue with a server-assigned timestamp
// and command id.
func TestSendCommandEnqueuesAndStampsTimestamp(t *testing.T) {
	h := newTestHarness(t)
	id := registerOnlineWithStream(t, h)

	before := time.Now().Unix()
	resp, err := h.srv.SendCommand(context.Background(), &wire.CommandWire{
		AgentID: id, Type: "BLOCK_IP", Params: map[string]string{"ip": "1.2.3.4"},
	})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, message = %q", resp.Message)
	}

	cmds := h.queue.DrainDeliverable(id, 0)
	if len(cmds) != 1 {
		t.Fatalf("expected 1 queued command, got %d", len(cmds))
	}
	if cmds[0].CommandID == "" {
		t.Error("expected a server-assigned command id")
	}
	if cmds[0].Timestamp < before {
		t.Errorf("Timestamp = %d, want >= %d (stamped at enqueue)", cmds[0].Timestamp, before)
	}
}
