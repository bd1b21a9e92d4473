package command

import (
	"sort"
	"sync"

	"github.com/Will-Luck/edr-control-plane/internal/events"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
)

// Queue is the per-agent ordered command queue. A single global mutex
// guards the map-of-lists, matching the scale this control plane targets
//: per-agent sharding would add complexity without a measured need.
type Queue struct {
	bus *events.Bus

	mu sync.Mutex
	m  map[string][]*Command
}

// NewQueue creates an empty queue that publishes a queue_changed signal on
// bus whenever an agent's queue gains an entry, waking that agent's stream
// writer without it having to poll.
func NewQueue(bus *events.Bus) *Queue {
	return &Queue{bus: bus, m: make(map[string][]*Command)}
}

// Enqueue appends cmd to agent's queue. If cmd is an UPDATE_IOCS command and
// the queue already contains one for this agent, the new command is dropped
// silently.
func (q *Queue) Enqueue(cmd *Command) {
	q.mu.Lock()
	list := q.m[cmd.AgentID]
	if cmd.Type == TypeUpdateIOCs {
		for _, existing := range list {
			if existing.Type == TypeUpdateIOCs {
				q.mu.Unlock()
				return
			}
		}
	}
	q.m[cmd.AgentID] = append(list, cmd)
	depth := q.totalDepthLocked()
	q.mu.Unlock()

	metrics.CommandsEnqueuedTotal.WithLabelValues(cmd.Type.String()).Inc()
	metrics.CommandQueueDepth.Set(float64(depth))
	if q.bus != nil {
		q.bus.Publish(events.Signal{Type: events.EventQueueChanged, AgentID: cmd.AgentID})
	}
}

func (q *Queue) totalDepthLocked() int {
	n := 0
	for _, list := range q.m {
		n += len(list)
	}
	return n
}

// DrainDeliverable returns every command for agentID with Timestamp >
// afterTS, sorted by Timestamp descending (ties broken by original
// insertion order), the newest-first delivery contract. It does not
// remove the commands from the queue; call AckDelivered once they've been
// sent.
func (q *Queue) DrainDeliverable(agentID string, afterTS int64) []*Command {
	q.mu.Lock()
	list := q.m[agentID]
	out := make([]*Command, 0, len(list))
	for _, c := range list {
		if c.Timestamp > afterTS {
			out = append(out, c)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// AckDelivered removes the named command ids from agentID's queue.
func (q *Queue) AckDelivered(agentID string, commandIDs []string) {
	if len(commandIDs) == 0 {
		return
	}
	toRemove := make(map[string]bool, len(commandIDs))
	for _, id := range commandIDs {
		toRemove[id] = true
	}
	q.mu.Lock()
	list := q.m[agentID]
	kept := list[:0:0]
	for _, c := range list {
		if !toRemove[c.CommandID] {
			kept = append(kept, c)
		}
	}
	q.m[agentID] = kept
	depth := q.totalDepthLocked()
	q.mu.Unlock()
	metrics.CommandQueueDepth.Set(float64(depth))
}

// Remove deletes a single command id from agentID's queue, used as
// defensive cleanup when a result arrives for a command no longer tracked
// as outstanding.
func (q *Queue) Remove(agentID, commandID string) {
	q.AckDelivered(agentID, []string{commandID})
}

// FindType returns the Type of commandID still sitting in agentID's queue,
// or TypeUnknown with ok=false if it is not present (e.g. already delivered
// and acked).
func (q *Queue) FindType(agentID, commandID string) (Type, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.m[agentID] {
		if c.CommandID == commandID {
			return c.Type, true
		}
	}
	return TypeUnknown, false
}

// HasUpdateIOCs reports whether agentID's queue already contains a pending
// UPDATE_IOCS command.
func (q *Queue) HasUpdateIOCs(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.m[agentID] {
		if c.Type == TypeUpdateIOCs {
			return true
		}
	}
	return false
}
