// Package wire defines the bidirectional stream's discriminated-union frame
// (CommandMessage) and the unary RPC request/response shapes, plus the
// gRPC plumbing (service descriptor, client/server stubs, JSON codec) that
// lets the server use google.golang.org/grpc's transport without a protoc
// code-generation step.
package wire

// MessageType discriminates the payload carried by a CommandMessage frame.
type MessageType string

const (
	MsgAgentHello    MessageType = "AGENT_HELLO"
	MsgAgentStatus   MessageType = "AGENT_STATUS"
	MsgAgentRunning  MessageType = "AGENT_RUNNING"
	MsgAgentShutdown MessageType = "AGENT_SHUTDOWN"
	MsgServerCommand MessageType = "SERVER_COMMAND"
	MsgCommandResult MessageType = "COMMAND_RESULT"
	MsgIOCData       MessageType = "IOC_DATA"
	MsgIOCMatch      MessageType = "IOC_MATCH"
	MsgIOCMatchAck   MessageType = "IOC_MATCH_ACK"
	MsgPing          MessageType = "PING"
)

// SystemMetrics mirrors agent.Metrics on the wire; kept distinct so the
// stream protocol doesn't import the agent package's internal types.
type SystemMetrics struct {
	CPUUsage    float64 `json:"cpu_usage,omitempty"`
	MemoryUsage float64 `json:"memory_usage,omitempty"`
	UptimeSecs  int64   `json:"uptime,omitempty"`
}

// AgentHello is the mandatory first inbound frame on a fresh stream.
type AgentHello struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}

// StatusRequest reports a full status transition plus optional metrics.
type StatusRequest struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     int64          `json:"timestamp"`
	Status        string         `json:"status"`
	SystemMetrics *SystemMetrics `json:"system_metrics,omitempty"`
}

// RunningSignal is a lightweight liveness pulse that touches last_seen
// without asserting a status transition.
type RunningSignal struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     int64          `json:"timestamp"`
	SystemMetrics *SystemMetrics `json:"system_metrics,omitempty"`
}

// ShutdownSignal announces a clean agent shutdown.
type ShutdownSignal struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// CommandWire is the wire rendering of a command.Command.
type CommandWire struct {
	CommandID      string            `json:"command_id"`
	AgentID        string            `json:"agent_id"`
	Timestamp      int64             `json:"timestamp"`
	Type           string            `json:"type"`
	Params         map[string]string `json:"params,omitempty"`
	Priority       int               `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// CommandResultWire is the wire rendering of a command.Result.
type CommandResultWire struct {
	CommandID   string  `json:"command_id"`
	AgentID     string  `json:"agent_id"`
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	ExecutionAt int64   `json:"execution_time"`
	DurationMs  float64 `json:"duration_ms"`
}

// IndicatorWire is the wire rendering of one ioc.Indicator.
type IndicatorWire struct {
	AddedAt     int64  `json:"added_at"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	HashType    string `json:"hash_type,omitempty"`
}

// IOCResponse carries a full IOC snapshot, pushed immediately after a
// SERVER_COMMAND{UPDATE_IOCS} frame on the same stream.
type IOCResponse struct {
	UpdateAvailable bool                     `json:"update_available"`
	Version         int                      `json:"version"`
	Timestamp       int64                    `json:"timestamp"`
	IPAddresses     map[string]IndicatorWire `json:"ip_addresses"`
	FileHashes      map[string]IndicatorWire `json:"file_hashes"`
	URLs            map[string]IndicatorWire `json:"urls"`
}

// IOCMatchReport is an inbound report that an agent observed an indicator.
type IOCMatchReport struct {
	ReportID      string `json:"report_id"`
	AgentID       string `json:"agent_id"`
	Timestamp     int64  `json:"timestamp"`
	Type          string `json:"type"`
	IOCValue      string `json:"ioc_value"`
	MatchedValue  string `json:"matched_value"`
	Context       string `json:"context,omitempty"`
	Severity      string `json:"severity,omitempty"`
	ActionTaken   string `json:"action_taken,omitempty"`
	ActionSuccess bool   `json:"action_success"`
	ActionMessage string `json:"action_message,omitempty"`
}

// IOCMatchAck acknowledges receipt of an IOCMatchReport.
type IOCMatchAck struct {
	ReportID string `json:"report_id"`
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}

// PingMessage is a heartbeat frame in either direction, carrying only the
// sender's agent id and a timestamp.
type PingMessage struct {
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}

// CommandMessage is the discriminated-union envelope every stream frame
// travels in. Exactly one of the pointer payload fields (Hello through Ping)
// is populated, selected by Type.
type CommandMessage struct {
	AgentID   string      `json:"agent_id"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"message_type"`

	Hello    *AgentHello        `json:"hello,omitempty"`
	Status   *StatusRequest     `json:"status,omitempty"`
	Running  *RunningSignal     `json:"running,omitempty"`
	Shutdown *ShutdownSignal    `json:"shutdown,omitempty"`
	Command  *CommandWire       `json:"command,omitempty"`
	Result   *CommandResultWire `json:"result,omitempty"`
	IOCData  *IOCResponse       `json:"ioc_data,omitempty"`
	IOCMatch *IOCMatchReport    `json:"ioc_match,omitempty"`
	IOCAck   *IOCMatchAck       `json:"ioc_ack,omitempty"`
	Ping     *PingMessage       `json:"ping,omitempty"`
}

// Unary RPC request/response shapes.

// AgentInfoWire is the registration payload for RegisterAgent.
type AgentInfoWire struct {
	AgentID      string `json:"agent_id"`
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ip_address"`
	MACAddress   string `json:"mac_address"`
	Username     string `json:"username"`
	OSVersion    string `json:"os_version"`
	AgentVersion string `json:"agent_version"`
}

// RegisterAgentResponse is returned by RegisterAgent.
type RegisterAgentResponse struct {
	AssignedID string `json:"assigned_id"`
	Success    bool   `json:"success"`
	ServerTime int64  `json:"server_time"`
	Message    string `json:"message,omitempty"`
}

// UpdateStatusResponse is returned by UpdateStatus.
type UpdateStatusResponse struct {
	Acknowledged bool  `json:"acknowledged"`
	ServerTime   int64 `json:"server_time"`
}

// SendCommandResponse is returned by SendCommand.
type SendCommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
