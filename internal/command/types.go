// Package command defines the Command/CommandResult wire types and the
// per-agent ordered CommandQueue that mediates between unary RPC callers,
// the IOC push orchestrator, and the stream broker's writer task.
package command

import (
	"fmt"
	"strings"
)

// Type is the tagged command discriminant. Integer values are stable wire
// constants; unknown integers must be rejected at the RPC boundary rather
// than silently coerced.
type Type int

const (
	TypeUnknown         Type = 0
	TypeDeleteFile      Type = 1
	TypeKillProcess     Type = 2
	TypeKillProcessTree Type = 3
	TypeBlockIP         Type = 4
	TypeBlockURL        Type = 5
	TypeNetworkIsolate  Type = 6
	TypeNetworkRestore  Type = 7
	TypeUpdateIOCs      Type = 8
)

var typeNames = map[Type]string{
	TypeUnknown:         "UNKNOWN",
	TypeDeleteFile:      "DELETE_FILE",
	TypeKillProcess:     "KILL_PROCESS",
	TypeKillProcessTree: "KILL_PROCESS_TREE",
	TypeBlockIP:         "BLOCK_IP",
	TypeBlockURL:        "BLOCK_URL",
	TypeNetworkIsolate:  "NETWORK_ISOLATE",
	TypeNetworkRestore:  "NETWORK_RESTORE",
	TypeUpdateIOCs:      "UPDATE_IOCS",
}

var namesByType = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// String renders the stable wire name for t, or "UNKNOWN" for an
// unrecognized discriminant.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseType maps a wire name back to its Type, rejecting anything not in
// the bijective name table.
func ParseType(name string) (Type, error) {
	if t, ok := namesByType[name]; ok {
		return t, nil
	}
	return TypeUnknown, fmt.Errorf("command: unrecognized command type %q", name)
}

// requiredParams lists the parameter keys each command type must carry.
var requiredParams = map[Type][]string{
	TypeDeleteFile:      {"path"},
	TypeKillProcess:     {"pid"},
	TypeKillProcessTree: {"pid"},
	TypeBlockIP:         {"ip"},
	TypeBlockURL:        {"url"},
	TypeNetworkIsolate:  {},
	TypeNetworkRestore:  {},
	TypeUpdateIOCs:      {},
}

// ErrMissingParam is returned by Validate when a required parameter is absent.
type ErrMissingParam struct {
	Type  Type
	Param string
}

func (e *ErrMissingParam) Error() string {
	return fmt.Sprintf("command: %s requires parameter %q", e.Type, e.Param)
}

// Command is a work order addressed to one agent.
type Command struct {
	CommandID      string            `json:"command_id"`
	AgentID        string            `json:"agent_id"`
	Timestamp      int64             `json:"timestamp"`
	Type           Type              `json:"type"`
	Params         map[string]string `json:"params"`
	Priority       int               `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// Validate checks that every parameter required[c.Type] is present and
// non-empty in c.Params.
func (c *Command) Validate() error {
	for _, key := range requiredParams[c.Type] {
		if c.Params[key] == "" {
			return &ErrMissingParam{Type: c.Type, Param: key}
		}
	}
	return nil
}

// Result is the outcome of one command on one agent.
type Result struct {
	CommandID   string  `json:"command_id"`
	AgentID     string  `json:"agent_id"`
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	ExecutionAt int64   `json:"execution_time"`
	DurationMs  float64 `json:"duration_ms"`
}

// IsIOCRelated reports whether a result belongs to an UPDATE_IOCS command:
// either the originating command (if still known) was UPDATE_IOCS, or the
// message text itself carries the IOC-update marker the agent emits for
// that command type. IOC-related results are never persisted to ResultTable
// to avoid unbounded growth from a high-frequency housekeeping command.
func (r *Result) IsIOCRelated(originatingType Type) bool {
	if originatingType == TypeUpdateIOCs {
		return true
	}
	return containsIOCMarker(r.Message)
}

func containsIOCMarker(msg string) bool {
	return strings.Contains(msg, markerIOCAvailable) || strings.Contains(msg, markerIOCNotAvailable)
}

const (
	markerIOCAvailable    = "IOC update available"
	markerIOCNotAvailable = "No IOC update available"
)

// MessageIndicatesIOCUpdate reports whether msg carries the "update is
// available" marker and not its "no update available" counterpart (which
// contains the positive marker as a substring).
func MessageIndicatesIOCUpdate(msg string) bool {
	return strings.Contains(msg, markerIOCAvailable) && !strings.Contains(msg, markerIOCNotAvailable)
}
