// Package iocpush implements the two triggers that fan an IOC store
// version bump out to the fleet as UPDATE_IOCS commands: a
// stream-local staleness check the broker's writer task runs periodically
// per agent, and an admin-initiated fleet-wide publish with retry/backoff.
package iocpush

import (
	"time"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
)

// fleetPublishBackoff is the delay schedule between the up-to-3 enqueue
// attempts per agent during a fleet-wide publish.
var fleetPublishBackoff = []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond}

// Orchestrator owns the UPDATE_IOCS fan-out logic. It holds no state of its
// own beyond references to the registry/queue/store it coordinates.
type Orchestrator struct {
	agents *agent.Registry
	queue  *command.Queue
	iocs   *ioc.Store
	log    *logging.Logger

	sleep func(time.Duration) // overridable in tests to avoid real sleeps
}

// New creates an Orchestrator wired to the given collaborators.
func New(agents *agent.Registry, queue *command.Queue, iocs *ioc.Store, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		agents: agents,
		queue:  queue,
		iocs:   iocs,
		log:    log.With("component", "ioc_push"),
		sleep:  time.Sleep,
	}
}

// newCommand builds a fresh UPDATE_IOCS command for agentID, stamped with
// now. UPDATE_IOCS commands carry no params; the payload travels as a
// separate IOC_DATA frame immediately after delivery.
func newCommand(agentID string, now int64, id func() string) *command.Command {
	return &command.Command{
		CommandID: id(),
		AgentID:   agentID,
		Timestamp: now,
		Type:      command.TypeUpdateIOCs,
		Params:    map[string]string{},
	}
}

// StreamLocalCheck enqueues an UPDATE_IOCS command for agentID if its last
// confirmed ioc_version is behind the store's current version. Queue
// de-dup makes this safe to call repeatedly without building up
// duplicate commands. Called by the stream broker's writer task on its
// periodic IOC re-check tick.
func (o *Orchestrator) StreamLocalCheck(agentID string, now int64, newID func() string) {
	rec, err := o.agents.Get(agentID)
	if err != nil {
		return
	}
	current := o.iocs.Version()
	if rec.IOCVersion >= current {
		return
	}
	o.queue.Enqueue(newCommand(agentID, now, newID))
}

// Publish enqueues UPDATE_IOCS for every currently ONLINE agent, making up
// to 3 enqueue attempts per agent with the fleetPublishBackoff delay
// schedule between attempts. Enqueue itself cannot fail (it is an
// in-memory append), so in practice every attempt succeeds on the first
// try; the retry loop exists to absorb a future fallible enqueue path
// (e.g. a bounded queue depth as a backpressure extension point) without
// changing this function's contract. Returns (success_count, total_online).
func (o *Orchestrator) Publish(now int64, newID func() string) (successCount, totalOnline int) {
	ids := o.agents.OnlineIDs()
	totalOnline = len(ids)

	for _, id := range ids {
		ok := o.enqueueWithRetry(id, now, newID)
		if ok {
			successCount++
			metrics.IOCPushSuccessTotal.Inc()
		} else {
			metrics.IOCPushFailureTotal.Inc()
		}
	}
	o.log.Info("fleet ioc publish complete", "success_count", successCount, "total_online", totalOnline)
	return successCount, totalOnline
}

func (o *Orchestrator) enqueueWithRetry(agentID string, now int64, newID func() string) bool {
	for attempt, delay := range fleetPublishBackoff {
		if attempt > 0 {
			o.sleep(delay)
		}
		if err := o.enqueueOnce(agentID, now, newID); err == nil {
			return true
		}
	}
	return false
}

// enqueueOnce performs a single enqueue attempt. Enqueue is currently
// infallible (see Publish's doc comment), but is modeled as returning an
// error so the retry loop above has something real to react to.
func (o *Orchestrator) enqueueOnce(agentID string, now int64, newID func() string) error {
	o.queue.Enqueue(newCommand(agentID, now, newID))
	return nil
}
