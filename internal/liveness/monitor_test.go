package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/config"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
)

// fakeClock lets tests pin the sweep's notion of now; sweep() is invoked
// directly rather than waiting on the cron schedule.
type fakeClock struct {
	now  time.Time
	tick chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, tick: make(chan time.Time, 1)}
}

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.now.Sub(t) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return f.tick }

func newTestCollaborators(t *testing.T, clk *fakeClock) (*config.Config, *agent.Registry, *persist.Collection) {
	t.Helper()
	cfg := config.NewTestConfig()
	cfg.SetPingTimeout(30 * time.Second)
	cfg.SetCheckInterval(time.Hour) // cron schedule never fires during a test

	log := logging.New(false)
	col, err := persist.OpenCollection(t.TempDir(), "agents", clk, log, time.Hour)
	if err != nil {
		t.Fatalf("OpenCollection: %v", err)
	}
	agents := agent.New(clk, nil)
	return cfg, agents, col
}

func TestSweepDemotesStaleOnlineAgent(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, agents, col := newTestCollaborators(t, clk)

	rec, err := agents.Register(agent.Agent{Hostname: "stale-host"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := agents.UpdateStatus(rec.ID, agent.StatusOnline, clk.Now().Unix(), nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	clk.now = clk.now.Add(time.Minute) // past the 30s ping_timeout

	m := New(cfg, clk, logging.New(false), agents, col)
	m.sweep()

	got, err := agents.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != agent.StatusOffline {
		t.Errorf("Status = %q, want OFFLINE", got.Status)
	}
	if got.LastOffline == 0 {
		t.Errorf("LastOffline was not recorded")
	}
}

func TestSweepLeavesFreshOnlineAgentAlone(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, agents, col := newTestCollaborators(t, clk)

	rec, _ := agents.Register(agent.Agent{Hostname: "fresh-host"})
	if err := agents.UpdateStatus(rec.ID, agent.StatusOnline, clk.Now().Unix(), nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	clk.now = clk.now.Add(5 * time.Second) // well within the 30s ping_timeout

	m := New(cfg, clk, logging.New(false), agents, col)
	m.sweep()

	got, _ := agents.Get(rec.ID)
	if got.Status != agent.StatusOnline {
		t.Errorf("Status = %q, want unchanged ONLINE", got.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, agents, col := newTestCollaborators(t, clk)

	m := New(cfg, clk, logging.New(false), agents, col)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStopStopsRunningLoop(t *testing.T) {
	clk := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, agents, col := newTestCollaborators(t, clk)

	m := New(cfg, clk, logging.New(false), agents, col)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	m.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
