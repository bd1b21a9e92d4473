package streambroker

import (
	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/wire"
)

func metricsFromWire(m *wire.SystemMetrics) *agent.Metrics {
	if m == nil {
		return nil
	}
	return &agent.Metrics{CPUUsage: m.CPUUsage, MemoryUsage: m.MemoryUsage, UptimeSecs: m.UptimeSecs}
}

func agentInfoFromWire(in *wire.AgentInfoWire) agent.Agent {
	return agent.Agent{
		ID:           in.AgentID,
		Hostname:     in.Hostname,
		IPAddress:    in.IPAddress,
		MACAddress:   in.MACAddress,
		Username:     in.Username,
		OSVersion:    in.OSVersion,
		AgentVersion: in.AgentVersion,
	}
}

func commandToWire(c *command.Command) *wire.CommandWire {
	return &wire.CommandWire{
		CommandID:      c.CommandID,
		AgentID:        c.AgentID,
		Timestamp:      c.Timestamp,
		Type:           c.Type.String(),
		Params:         c.Params,
		Priority:       c.Priority,
		TimeoutSeconds: c.TimeoutSeconds,
	}
}

func commandFromWire(c *wire.CommandWire) (*command.Command, error) {
	t, err := command.ParseType(c.Type)
	if err != nil {
		return nil, err
	}
	return &command.Command{
		CommandID:      c.CommandID,
		AgentID:        c.AgentID,
		Timestamp:      c.Timestamp,
		Type:           t,
		Params:         c.Params,
		Priority:       c.Priority,
		TimeoutSeconds: c.TimeoutSeconds,
	}, nil
}

func resultFromWire(r *wire.CommandResultWire) *command.Result {
	return &command.Result{
		CommandID:   r.CommandID,
		AgentID:     r.AgentID,
		Success:     r.Success,
		Message:     r.Message,
		ExecutionAt: r.ExecutionAt,
		DurationMs:  r.DurationMs,
	}
}

func indicatorMapToWire(m map[string]ioc.Indicator) map[string]wire.IndicatorWire {
	out := make(map[string]wire.IndicatorWire, len(m))
	for k, v := range m {
		out[k] = wire.IndicatorWire{
			AddedAt:     v.AddedAt.Unix(),
			Description: v.Description,
			Severity:    string(v.Severity),
			HashType:    string(v.HashType),
		}
	}
	return out
}

func iocResponseFromSnapshot(snap ioc.Snapshot, now int64) *wire.IOCResponse {
	return &wire.IOCResponse{
		UpdateAvailable: true,
		Version:         snap.Version,
		Timestamp:       now,
		IPAddresses:     indicatorMapToWire(snap.IPAddresses),
		FileHashes:      indicatorMapToWire(snap.FileHashes),
		URLs:            indicatorMapToWire(snap.URLs),
	}
}
