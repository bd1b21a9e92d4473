// Package result implements the command-result table: a write-through map
// of command id to CommandResult, backed by the persistence layer's
// corruption-recovering whole-file collection.
package result

import (
	"encoding/json"

	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
)

// Table correlates delivered commands with their reported outcomes.
// IOC-related results are intentionally never written here -- callers
// decide that classification before calling Put.
type Table struct {
	col *persist.Collection
}

// New wraps an already-opened persistence collection as a result table.
func New(col *persist.Collection) *Table {
	return &Table{col: col}
}

// Put records a command result.
func (t *Table) Put(r *command.Result) error {
	if err := t.col.Put(r.CommandID, r); err != nil {
		return err
	}
	metrics.CommandResultsTotal.WithLabelValues(boolLabel(r.Success)).Inc()
	return nil
}

// Get retrieves a previously recorded result.
func (t *Table) Get(commandID string) (*command.Result, bool, error) {
	var r command.Result
	ok, err := t.col.Get(commandID, &r)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &r, true, nil
}

// ForAgent returns every recorded result belonging to agentID.
func (t *Table) ForAgent(agentID string) ([]*command.Result, error) {
	var out []*command.Result
	for _, raw := range t.col.All() {
		var r command.Result
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.AgentID == agentID {
			out = append(out, &r)
		}
	}
	return out, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
