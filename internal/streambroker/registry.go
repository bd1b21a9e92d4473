// Package streambroker implements the bidirectional command stream: the
// per-agent single-owner StreamRegistry, the StreamBroker that parses
// inbound frames and dispatches them to the agent registry, command
// result table and IOC match sink, and the UnaryRPCs exposed over the
// same gRPC service for registration, status updates, match reports, and
// fire-and-forget command injection.
package streambroker

import (
	"sync"
)

// handle is the per-stream control the registry holds so a displacing
// registration can cleanly evict the prior owner before returning.
type handle struct {
	cancel func()
	closed <-chan struct{}
}

// Registry is the single-owner agent_id -> active stream mapping. At
// most one stream is registered per agent: registering a second one
// replaces the first in the map, then cancels the first and waits for its
// teardown before Register returns.
type Registry struct {
	mu sync.Mutex
	m  map[string]*handle
}

// NewRegistry creates an empty stream registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*handle)}
}

// Register installs (cancel, closed) as the active stream for agentID,
// closing and waiting for any previous stream to finish teardown first.
func (r *Registry) Register(agentID string, cancel func(), closed <-chan struct{}) {
	r.mu.Lock()
	prev, ok := r.m[agentID]
	r.m[agentID] = &handle{cancel: cancel, closed: closed}
	r.mu.Unlock()

	if ok {
		prev.cancel()
		<-prev.closed
	}
}

// Unregister removes agentID's stream if it is still the one identified by
// closed -- a stream that already lost the registration race (because it
// was displaced) must not deregister its successor.
func (r *Registry) Unregister(agentID string, closed <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[agentID]; ok && cur.closed == closed {
		delete(r.m, agentID)
	}
}

// IsRegistered reports whether agentID currently owns an active stream.
func (r *Registry) IsRegistered(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[agentID]
	return ok
}

// Count returns the number of currently registered streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
