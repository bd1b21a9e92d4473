// Package agent implements the authoritative registry of enrolled endpoint
// agents: identity assignment with collision protection, status transitions,
// and the hostname/IP lookups the admin surface and auto-response collaborator
// need.
package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Will-Luck/edr-control-plane/internal/clock"
)

// Status is the lifecycle state of an enrolled agent.
type Status string

const (
	StatusPendingRegistration Status = "PENDING_REGISTRATION"
	StatusRegistered          Status = "REGISTERED"
	StatusOnline              Status = "ONLINE"
	StatusOffline             Status = "OFFLINE"
)

// Metrics carries the most-recently-reported system metrics for an agent.
type Metrics struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	UptimeSecs  int64   `json:"uptime"`
}

// Agent is an endpoint enrolled in the fleet.
type Agent struct {
	ID               string   `json:"agent_id"`
	Hostname         string   `json:"hostname"`
	IPAddress        string   `json:"ip_address"`
	MACAddress       string   `json:"mac_address"`
	Username         string   `json:"username"`
	OSVersion        string   `json:"os_version"`
	AgentVersion     string   `json:"agent_version"`
	RegistrationTime int64    `json:"registration_time"`
	LastSeen         int64    `json:"last_seen"`
	LastOffline      int64    `json:"last_offline,omitempty"`
	Status           Status   `json:"status"`
	SystemMetrics    *Metrics `json:"system_metrics,omitempty"`
	IOCVersion       int      `json:"ioc_version"`
	LastIOCMatch     string   `json:"last_ioc_match,omitempty"`
}

const maxIDCollisionRetries = 5

// ErrIDCollision is returned if a fresh UUID collides with an existing agent
// id on every retry attempt.
var ErrIDCollision = fmt.Errorf("agent: could not assign a unique id after %d attempts", maxIDCollisionRetries)

// Registry is the authoritative, concurrency-safe agent table.
type Registry struct {
	clk clock.Clock
	mu  sync.RWMutex
	m   map[string]*Agent
}

// New creates an empty Registry, optionally seeded from persisted records.
func New(clk clock.Clock, seed map[string]*Agent) *Registry {
	m := seed
	if m == nil {
		m = make(map[string]*Agent)
	}
	return &Registry{clk: clk, m: m}
}

// Register enrolls or re-enrolls an agent. If info.ID is empty, a fresh UUID
// is assigned (retried up to maxIDCollisionRetries times on collision). If
// info.ID refers to an existing record, the call is treated as
// re-registration: the id and ioc_version are preserved, descriptive fields
// are overwritten.
func (r *Registry) Register(info Agent) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.ID != "" {
		if existing, ok := r.m[info.ID]; ok {
			existing.Hostname = info.Hostname
			existing.IPAddress = info.IPAddress
			existing.MACAddress = info.MACAddress
			existing.Username = info.Username
			existing.OSVersion = info.OSVersion
			existing.AgentVersion = info.AgentVersion
			existing.LastSeen = maxInt64(existing.LastSeen, r.clk.Now().Unix())
			return cloneAgent(existing), nil
		}
	}

	id := info.ID
	if id == "" {
		var err error
		id, err = r.freshID()
		if err != nil {
			return nil, err
		}
	}

	now := r.clk.Now().Unix()
	rec := &Agent{
		ID:               id,
		Hostname:         info.Hostname,
		IPAddress:        info.IPAddress,
		MACAddress:       info.MACAddress,
		Username:         info.Username,
		OSVersion:        info.OSVersion,
		AgentVersion:     info.AgentVersion,
		RegistrationTime: now,
		LastSeen:         now,
		Status:           StatusRegistered,
	}
	r.m[id] = rec
	return cloneAgent(rec), nil
}

func (r *Registry) freshID() (string, error) {
	for i := 0; i < maxIDCollisionRetries; i++ {
		candidate := uuid.NewString()
		if _, exists := r.m[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", ErrIDCollision
}

// ErrUnknownAgent is returned when an operation references an agent id the
// registry has no record of.
type ErrUnknownAgent struct{ ID string }

func (e *ErrUnknownAgent) Error() string { return fmt.Sprintf("agent: unknown agent id %q", e.ID) }

// Get returns a copy of the agent record, or ErrUnknownAgent.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.m[id]
	if !ok {
		return nil, &ErrUnknownAgent{ID: id}
	}
	return cloneAgent(rec), nil
}

// All returns a copy of every agent record, keyed by id.
func (r *Registry) All() map[string]*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Agent, len(r.m))
	for id, rec := range r.m {
		out[id] = cloneAgent(rec)
	}
	return out
}

// EnsureExists auto-creates a minimal PENDING_REGISTRATION record for id if
// absent, used by the stream broker's hello handshake to survive an agent
// that opens its stream before its unary RegisterAgent call lands.
func (r *Registry) EnsureExists(id string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.m[id]; ok {
		return cloneAgent(rec)
	}
	now := r.clk.Now().Unix()
	rec := &Agent{ID: id, RegistrationTime: now, LastSeen: now, Status: StatusPendingRegistration}
	r.m[id] = rec
	return cloneAgent(rec)
}

// UpdateStatus applies a latest-wins status/metrics update with last_seen
// clamped to never move backwards.
func (r *Registry) UpdateStatus(id string, status Status, lastSeen int64, metrics *Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return &ErrUnknownAgent{ID: id}
	}
	rec.Status = status
	rec.LastSeen = maxInt64(rec.LastSeen, lastSeen)
	if metrics != nil {
		rec.SystemMetrics = metrics
	}
	return nil
}

// Touch updates last_seen only, leaving status untouched (used for
// AGENT_RUNNING frames and stream pings).
func (r *Registry) Touch(id string, now int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return &ErrUnknownAgent{ID: id}
	}
	rec.LastSeen = maxInt64(rec.LastSeen, now)
	return nil
}

// MarkOffline idempotently transitions an agent to OFFLINE, recording
// last_offline on the first transition.
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return &ErrUnknownAgent{ID: id}
	}
	if rec.Status == StatusOffline {
		return nil
	}
	rec.Status = StatusOffline
	rec.LastOffline = r.clk.Now().Unix()
	return nil
}

// SetIOCVersion records the IOC version an agent has confirmed installing.
func (r *Registry) SetIOCVersion(id string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return &ErrUnknownAgent{ID: id}
	}
	rec.IOCVersion = version
	return nil
}

// SetLastIOCMatch records a short summary of the most recent IOC match
// report the stream broker received for this agent, surfaced on the admin
// agent-inspection endpoint.
func (r *Registry) SetLastIOCMatch(id, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return &ErrUnknownAgent{ID: id}
	}
	rec.LastIOCMatch = summary
	return nil
}

// FindByHostname performs a case-insensitive linear scan for a matching
// hostname (substring match, as the admin search surface requires).
func (r *Registry) FindByHostname(h string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	needle := strings.ToLower(h)
	var out []*Agent
	for _, rec := range r.m {
		if strings.Contains(strings.ToLower(rec.Hostname), needle) {
			out = append(out, cloneAgent(rec))
		}
	}
	return out
}

// FindByIP performs a linear scan for an exact IP address match.
func (r *Registry) FindByIP(addr string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, rec := range r.m {
		if rec.IPAddress == addr {
			out = append(out, cloneAgent(rec))
		}
	}
	return out
}

// OnlineIDs returns the ids of every agent currently ONLINE.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rec := range r.m {
		if rec.Status == StatusOnline {
			out = append(out, id)
		}
	}
	return out
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	if a.SystemMetrics != nil {
		m := *a.SystemMetrics
		cp.SystemMetrics = &m
	}
	return &cp
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
