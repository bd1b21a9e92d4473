// Package matchstore persists IOC match reports -- observations an agent
// made that one of its local artifacts matched a known indicator -- keyed
// by report id, on top of the generic persistence collection.
package matchstore

import (
	"encoding/json"

	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
)

// Type enumerates the indicator kind an IOCMatch observed.
type Type string

const (
	TypeIP   Type = "IP"
	TypeHash Type = "HASH"
	TypeURL  Type = "URL"
)

// Match is a report that an agent observed an indicator of compromise.
type Match struct {
	ReportID         string `json:"report_id"`
	AgentID          string `json:"agent_id"`
	Timestamp        int64  `json:"timestamp"`
	Type             Type   `json:"type"`
	IOCValue         string `json:"ioc_value"`
	MatchedValue     string `json:"matched_value"`
	Context          string `json:"context,omitempty"`
	Severity         string `json:"severity,omitempty"`
	ActionTaken      string `json:"action_taken,omitempty"`
	ActionSuccess    bool   `json:"action_success"`
	ActionMessage    string `json:"action_message,omitempty"`
	ServerReceivedAt int64  `json:"server_received_at"`
}

// Store is a write-through table of IOC match reports, backed by a
// persistence collection.
type Store struct {
	col *persist.Collection
}

// New wraps an already-opened persistence collection as a match store.
func New(col *persist.Collection) *Store {
	return &Store{col: col}
}

// Put records a match report.
func (s *Store) Put(m *Match) error {
	if err := s.col.Put(m.ReportID, m); err != nil {
		return err
	}
	metrics.IOCMatchesTotal.WithLabelValues(string(m.Type)).Inc()
	return nil
}

// ForAgent returns every recorded match belonging to agentID.
func (s *Store) ForAgent(agentID string) []*Match {
	var out []*Match
	for _, raw := range s.col.All() {
		var m Match
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.AgentID == agentID {
			out = append(out, &m)
		}
	}
	return out
}

// All returns every recorded match.
func (s *Store) All() []*Match {
	var out []*Match
	for _, raw := range s.col.All() {
		var m Match
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out
}
