// Package liveness implements the periodic sweep that demotes agents whose
// last_seen has gone stale past the configured ping_timeout. The interval
// comes from config.CheckInterval rather than a user-supplied cron string,
// so the sweep is registered as a single "@every <interval>" job.
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/config"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
)

// shutdownGrace bounds how long Run waits for an in-flight sweep to finish
// after being asked to stop.
const shutdownGrace = 5 * time.Second

// Monitor periodically demotes ONLINE agents that have gone quiet past
// ping_timeout to OFFLINE. It holds no state of its own beyond
// references to its collaborators; each sweep re-reads config.PingTimeout
// directly so an admin-triggered config change takes effect on the next
// tick without restarting the monitor.
type Monitor struct {
	cfg    *config.Config
	clk    clock.Clock
	log    *logging.Logger
	agents *agent.Registry
	col    *persist.Collection

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Monitor wired to its collaborators. col is the agent
// registry's backing persistence collection, force-saved after a sweep
// demotes at least one agent.
func New(cfg *config.Config, clk clock.Clock, log *logging.Logger, agents *agent.Registry, col *persist.Collection) *Monitor {
	return &Monitor{
		cfg:    cfg,
		clk:    clk,
		log:    log.With("component", "liveness"),
		agents: agents,
		col:    col,
		stop:   make(chan struct{}),
	}
}

// Run registers the sweep as a cron job at config.CheckInterval and blocks
// until ctx is cancelled or Stop is called, at which point the scheduler is
// halted and any in-flight sweep is allowed up to shutdownGrace to finish.
// Intended to be launched as its own goroutine from main. Run is meant to be
// called exactly once per Monitor.
func (m *Monitor) Run(ctx context.Context) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.CheckInterval())
	if _, err := c.AddFunc(spec, m.sweep); err != nil {
		m.log.Error("failed to schedule liveness sweep", "spec", spec, "error", err)
		return
	}
	c.Start()

	select {
	case <-ctx.Done():
	case <-m.stop:
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(shutdownGrace):
		m.log.Warn("liveness monitor did not stop within grace period")
	}
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// sweep demotes every ONLINE agent whose last_seen is older than
// ping_timeout, force-saving the agent collection once if anything changed.
// It also refreshes the fleet-status gauges, since it is the one place that
// already walks every agent record on a fixed cadence.
func (m *Monitor) sweep() {
	timeout := m.cfg.PingTimeout()
	now := m.clk.Now()

	all := m.agents.All()
	demoted := 0
	counts := make(map[agent.Status]int, 4)
	for _, rec := range all {
		if rec.Status != agent.StatusOnline || now.Sub(time.Unix(rec.LastSeen, 0)) < timeout {
			counts[rec.Status]++
			continue
		}
		if err := m.agents.MarkOffline(rec.ID); err != nil {
			counts[rec.Status]++
			continue
		}
		counts[agent.StatusOffline]++
		demoted++
		metrics.LivenessDemotedTotal.Inc()
		m.log.Info("demoted stale agent to offline", "agent_id", rec.ID, "last_seen", rec.LastSeen)
	}

	metrics.AgentsOnline.Set(float64(counts[agent.StatusOnline]))
	for _, st := range []agent.Status{agent.StatusPendingRegistration, agent.StatusRegistered, agent.StatusOnline, agent.StatusOffline} {
		metrics.AgentsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	m.log.Info("liveness sweep complete", "agents", len(all), "online", counts[agent.StatusOnline], "demoted", demoted)

	if demoted == 0 {
		return
	}
	for _, rec := range m.agents.All() {
		_ = m.col.Put(rec.ID, rec)
	}
	if err := m.col.ForceSave(); err != nil {
		m.log.Error("failed to force-save agent collection after liveness sweep", "error", err)
	}
}
