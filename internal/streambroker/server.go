package streambroker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/command"
	"github.com/Will-Luck/edr-control-plane/internal/config"
	"github.com/Will-Luck/edr-control-plane/internal/events"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/iocpush"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/matchstore"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
	"github.com/Will-Luck/edr-control-plane/internal/result"
	"github.com/Will-Luck/edr-control-plane/internal/security"
	"github.com/Will-Luck/edr-control-plane/internal/wire"
)

// sendCommandStaleness is the window within which an agent's
// last_seen must fall, plus an active stream, for SendCommand to accept a
// non-UPDATE_IOCS command.
const sendCommandStaleness = 300 * time.Second

// Server implements wire.ControlPlaneServer: the bidirectional Channel
// stream and the four unary RPCs (RegisterAgent, UpdateStatus,
// ReportIOCMatch, SendCommand) over a shared set of collaborators.
type Server struct {
	cfg *config.Config
	clk clock.Clock
	log *logging.Logger
	bus *events.Bus

	agents   *agent.Registry
	queue    *command.Queue
	results  *result.Table
	iocStore *ioc.Store
	matches  *matchstore.Store
	streams  *Registry
	push     *iocpush.Orchestrator

	agentCol *persist.Collection
}

// New constructs a Server wired to its collaborators. agentCol is the raw
// persistence collection backing the agent registry, used for force-save
// on status/shutdown frames; the registry itself is the in-memory
// authority.
func New(cfg *config.Config, clk clock.Clock, log *logging.Logger, bus *events.Bus, agents *agent.Registry, queue *command.Queue, results *result.Table, iocStore *ioc.Store, matches *matchstore.Store, agentCol *persist.Collection) *Server {
	return &Server{
		cfg:      cfg,
		clk:      clk,
		log:      log.With("component", "stream_broker"),
		bus:      bus,
		agents:   agents,
		queue:    queue,
		results:  results,
		iocStore: iocStore,
		matches:  matches,
		streams:  NewRegistry(),
		push:     iocpush.New(agents, queue, iocStore, log),
		agentCol: agentCol,
	}
}

func (s *Server) now() int64 { return s.clk.Now().Unix() }

func (s *Server) persistAgent(agentID string) {
	rec, err := s.agents.Get(agentID)
	if err != nil {
		return
	}
	if err := s.agentCol.Put(rec.ID, rec); err != nil {
		s.log.Error("failed to persist agent record", "agent_id", agentID, "error", err)
		return
	}
	if err := s.agentCol.ForceSave(); err != nil {
		s.log.Error("failed to force-save agent collection", "agent_id", agentID, "error", err)
	}
}

// ---- Unary RPCs ----

// RegisterAgent assigns or validates an agent id and stores the initial or
// re-registration descriptive record.
func (s *Server) RegisterAgent(ctx context.Context, in *wire.AgentInfoWire) (*wire.RegisterAgentResponse, error) {
	rec, err := s.agents.Register(agentInfoFromWire(in))
	if err != nil {
		return &wire.RegisterAgentResponse{Success: false, ServerTime: s.now(), Message: err.Error()}, nil
	}
	if err := s.agentCol.Put(rec.ID, rec); err != nil {
		s.log.Error("failed to persist registered agent", "agent_id", rec.ID, "error", err)
	}
	metrics.AgentsRegistered.Set(float64(len(s.agents.All())))
	return &wire.RegisterAgentResponse{AssignedID: rec.ID, Success: true, ServerTime: s.now()}, nil
}

// UpdateStatus applies a latest-wins status/metrics update over the unary
// RPC surface (a fallback for agents that avoid keeping the stream open).
func (s *Server) UpdateStatus(ctx context.Context, in *wire.StatusRequest) (*wire.UpdateStatusResponse, error) {
	if err := s.agents.UpdateStatus(in.AgentID, agent.Status(in.Status), in.Timestamp, metricsFromWire(in.SystemMetrics)); err != nil {
		return &wire.UpdateStatusResponse{Acknowledged: false, ServerTime: s.now()}, nil
	}
	s.persistAgent(in.AgentID)
	return &wire.UpdateStatusResponse{Acknowledged: true, ServerTime: s.now()}, nil
}

// ReportIOCMatch is the unary fallback for an agent that cannot keep its
// stream open but still needs to report an observed indicator match.
func (s *Server) ReportIOCMatch(ctx context.Context, in *wire.IOCMatchReport) (*wire.IOCMatchAck, error) {
	s.recordMatch(in)
	return &wire.IOCMatchAck{ReportID: in.ReportID, Received: true}, nil
}

// SendCommand validates and enqueues a command for out-of-band injection by
// an external collaborator (the alert-to-command auto-response mapper, or
// an admin). It is fire-and-forget: the call returns before any result
// arrives.
func (s *Server) SendCommand(ctx context.Context, in *wire.CommandWire) (*wire.SendCommandResponse, error) {
	cmd, err := commandFromWire(in)
	if err != nil {
		return &wire.SendCommandResponse{Success: false, Message: err.Error()}, nil
	}

	rec, err := s.agents.Get(cmd.AgentID)
	if err != nil {
		return &wire.SendCommandResponse{Success: false, Message: fmt.Sprintf("unknown agent %q", cmd.AgentID)}, nil
	}

	if cmd.Type == command.TypeUpdateIOCs {
		if rec.Status != agent.StatusOnline {
			return &wire.SendCommandResponse{Success: false, Message: "agent is not ONLINE"}, nil
		}
	} else {
		stale := s.clk.Since(time.Unix(rec.LastSeen, 0)) >= sendCommandStaleness
		if stale || !s.streams.IsRegistered(cmd.AgentID) {
			return &wire.SendCommandResponse{Success: false, Message: "agent is not online with an active stream"}, nil
		}
	}

	if err := cmd.Validate(); err != nil {
		return &wire.SendCommandResponse{Success: false, Message: err.Error()}, nil
	}

	cmd.Timestamp = s.now()
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	s.queue.Enqueue(cmd)
	return &wire.SendCommandResponse{Success: true, Message: "enqueued"}, nil
}

func (s *Server) recordMatch(in *wire.IOCMatchReport) {
	reportID := in.ReportID
	if reportID == "" {
		reportID = uuid.NewString()
	}
	m := &matchstore.Match{
		ReportID:         reportID,
		AgentID:          in.AgentID,
		Timestamp:        in.Timestamp,
		Type:             matchstore.Type(in.Type),
		IOCValue:         in.IOCValue,
		MatchedValue:     in.MatchedValue,
		Context:          in.Context,
		Severity:         in.Severity,
		ActionTaken:      in.ActionTaken,
		ActionSuccess:    in.ActionSuccess,
		ActionMessage:    in.ActionMessage,
		ServerReceivedAt: s.now(),
	}
	if err := s.matches.Put(m); err != nil {
		s.log.Error("failed to persist ioc match", "agent_id", in.AgentID, "error", err)
	}
	summary := fmt.Sprintf("%s:%s", m.Type, m.IOCValue)
	if err := s.agents.SetLastIOCMatch(in.AgentID, summary); err != nil {
		s.log.Warn("ioc match from unknown agent", "agent_id", in.AgentID)
	}
}

// ---- Bidirectional stream ----

// Channel implements the single long-lived stream each agent opens. The
// first inbound frame must be AGENT_HELLO; every other frame type is
// dispatched by type. A reader loop (this goroutine) and a
// writer loop (a spawned goroutine) cooperate over a shared cancellation
// context and an outbox channel -- the writer is the only thing that ever
// calls stream.Send, per the design notes' "forbid stray writes from the
// reader" rule.
func (s *Server) Channel(stream wire.ControlPlane_ChannelServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Type != wire.MsgAgentHello || first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first frame on a new stream must be AGENT_HELLO")
	}
	agentID := first.Hello.AgentID
	if agentID == "" {
		return status.Error(codes.InvalidArgument, "AGENT_HELLO must carry a non-empty agent_id")
	}
	if p, ok := peer.FromContext(stream.Context()); ok {
		if tlsCN := peerCommonName(p); tlsCN != "" && tlsCN != agentID {
			return status.Errorf(codes.PermissionDenied, "certificate identity %q does not match claimed agent_id %q", tlsCN, agentID)
		}
	}

	s.agents.EnsureExists(agentID)

	ctx, cancel := context.WithCancel(stream.Context())
	closed := make(chan struct{})
	s.streams.Register(agentID, cancel, closed)
	metrics.StreamsActive.Set(float64(s.streams.Count()))

	var lastCommandTS int64
	outbox := make(chan *wire.CommandMessage, 8)
	outbox <- &wire.CommandMessage{
		AgentID: agentID, Timestamp: s.now(), Type: wire.MsgAgentHello,
		Hello: &wire.AgentHello{AgentID: agentID, Timestamp: s.now()},
	}

	writerDone := make(chan error, 1)
	go func() { writerDone <- s.writerLoop(ctx, agentID, stream, outbox, &lastCommandTS) }()

	readerErr := s.readerLoop(ctx, agentID, stream, outbox)
	cancel()
	writerErr := <-writerDone

	s.agents.MarkOffline(agentID)
	s.persistAgent(agentID)
	s.streams.Unregister(agentID, closed)
	close(closed)
	metrics.StreamsActive.Set(float64(s.streams.Count()))

	if readerErr != nil {
		return readerErr
	}
	return writerErr
}

// peerCommonName extracts the trusted agent id from the client certificate
// gRPC's transport-level mTLS handshake already verified, or "" if the
// connection isn't using mTLS (e.g. TLS disabled, or TLS configured without
// a client CA, so no client certificate is requested) -- in which case Channel trusts the claimed
// agent_id from AGENT_HELLO as-is.
func peerCommonName(p *peer.Peer) string {
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return ""
	}
	return security.AgentIDFromCertCN(tlsInfo.State.PeerCertificates[0])
}

// readerLoop consumes inbound frames until EOF/error/cancellation,
// dispatching each to the registry, result table, or match sink, and
// resetting an inactivity watchdog on every successful receive (the
// inactivity close is driven from here since Recv is what observes
// silence).
func (s *Server) readerLoop(ctx context.Context, agentID string, stream wire.ControlPlane_ChannelServer, outbox chan<- *wire.CommandMessage) error {
	inactivity := time.NewTimer(s.cfg.StreamInactivity())
	defer inactivity.Stop()
	watchdogCancel := make(chan struct{})
	defer close(watchdogCancel)

	recvCh := make(chan recvResult, 1)
	go s.recvPump(stream, recvCh, watchdogCancel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inactivity.C:
			return status.Error(codes.DeadlineExceeded, "stream inactive past inactivity_timeout")
		case r := <-recvCh:
			if r.err != nil {
				return r.err
			}
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(s.cfg.StreamInactivity())
			s.dispatchInbound(agentID, r.msg, outbox)
			go s.recvPump(stream, recvCh, watchdogCancel)
		}
	}
}

type recvResult struct {
	msg *wire.CommandMessage
	err error
}

// recvPump issues one blocking Recv and reports the result on ch, so the
// reader loop's select can race it against the inactivity timer and
// cancellation without Recv itself needing a deadline.
func (s *Server) recvPump(stream wire.ControlPlane_ChannelServer, ch chan<- recvResult, cancel <-chan struct{}) {
	msg, err := stream.Recv()
	select {
	case ch <- recvResult{msg: msg, err: err}:
	case <-cancel:
	}
}

func (s *Server) dispatchInbound(agentID string, msg *wire.CommandMessage, outbox chan<- *wire.CommandMessage) {
	metrics.FramesInTotal.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case wire.MsgAgentHello:
		// Ignored: handshake already completed.

	case wire.MsgAgentStatus:
		if msg.Status == nil {
			return
		}
		if err := s.agents.UpdateStatus(agentID, agent.Status(msg.Status.Status), msg.Status.Timestamp, metricsFromWire(msg.Status.SystemMetrics)); err != nil {
			s.log.Warn("status update for unknown agent", "agent_id", agentID, "error", err)
			return
		}
		s.persistAgent(agentID)

	case wire.MsgAgentRunning:
		if msg.Running == nil {
			return
		}
		_ = s.agents.Touch(agentID, msg.Running.Timestamp)

	case wire.MsgAgentShutdown:
		_ = s.agents.MarkOffline(agentID)
		s.persistAgent(agentID)

	case wire.MsgCommandResult:
		if msg.Result == nil {
			return
		}
		s.handleResult(agentID, msg.Result)

	case wire.MsgIOCMatch:
		if msg.IOCMatch == nil {
			return
		}
		s.recordMatch(msg.IOCMatch)
		outbox <- &wire.CommandMessage{
			AgentID: agentID, Timestamp: s.now(), Type: wire.MsgIOCMatchAck,
			IOCAck: &wire.IOCMatchAck{ReportID: msg.IOCMatch.ReportID, Received: true},
		}

	default:
		s.log.Debug("ignoring unexpected inbound frame type", "agent_id", agentID, "type", msg.Type)
	}
}

// handleResult classifies an inbound COMMAND_RESULT: IOC-related
// results (either the originating queued command was UPDATE_IOCS, or the
// message text itself carries the IOC-update marker) are never persisted
// to avoid unbounded growth, but a successful IOC-update result still
// writes the agent's confirmed ioc_version through to the registry. The
// command is always removed from the queue, regardless of classification.
func (s *Server) handleResult(agentID string, wr *wire.CommandResultWire) {
	originatingType, _ := s.queue.FindType(agentID, wr.CommandID)
	r := resultFromWire(wr)

	if r.IsIOCRelated(originatingType) {
		if r.Success && command.MessageIndicatesIOCUpdate(r.Message) {
			_ = s.agents.SetIOCVersion(agentID, s.iocStore.Version())
		}
	} else {
		if err := s.results.Put(r); err != nil {
			s.log.Error("failed to persist command result", "agent_id", agentID, "command_id", r.CommandID, "error", err)
		}
	}
	s.queue.Remove(agentID, wr.CommandID)
}

// writerLoop is the single writer for this stream: it drains queued
// commands (newest-timestamp-first), piggybacks the IOC snapshot
// immediately after an UPDATE_IOCS command (the push-with-the-command
// pattern), runs the initial and periodic IOC staleness checks, emits
// heartbeats, and relays anything the reader placed on outbox (e.g. an
// IOC_MATCH_ACK).
func (s *Server) writerLoop(ctx context.Context, agentID string, stream wire.ControlPlane_ChannelServer, outbox <-chan *wire.CommandMessage, lastCommandTS *int64) error {
	heartbeat := time.NewTicker(s.cfg.StreamHeartbeat())
	defer heartbeat.Stop()
	iocTick := time.NewTicker(s.cfg.IOCRecheckInterval())
	defer iocTick.Stop()

	sigCh, unsub := s.bus.Subscribe()
	defer unsub()

	lastOutbound := s.clk.Now()
	send := func(msg *wire.CommandMessage) error {
		if err := stream.Send(msg); err != nil {
			return err
		}
		lastOutbound = s.clk.Now()
		metrics.FramesOutTotal.WithLabelValues(string(msg.Type)).Inc()
		return nil
	}

	drain := func() error {
		cmds := s.queue.DrainDeliverable(agentID, atomic.LoadInt64(lastCommandTS))
		if len(cmds) == 0 {
			return nil
		}
		delivered := make([]string, 0, len(cmds))
		maxTS := atomic.LoadInt64(lastCommandTS)
		for _, c := range cmds {
			if err := send(&wire.CommandMessage{AgentID: agentID, Timestamp: s.now(), Type: wire.MsgServerCommand, Command: commandToWire(c)}); err != nil {
				return err
			}
			delivered = append(delivered, c.CommandID)
			if c.Timestamp > maxTS {
				maxTS = c.Timestamp
			}
			if c.Type == command.TypeUpdateIOCs {
				snap := s.iocStore.Snapshot()
				if err := send(&wire.CommandMessage{AgentID: agentID, Timestamp: s.now(), Type: wire.MsgIOCData, IOCData: iocResponseFromSnapshot(snap, s.now())}); err != nil {
					return err
				}
				_ = s.agents.SetIOCVersion(agentID, snap.Version)
				s.persistAgent(agentID)
			}
		}
		s.queue.AckDelivered(agentID, delivered)
		atomic.StoreInt64(lastCommandTS, maxTS)
		return nil
	}

	// Channel preloads the handshake ack on outbox; emit it before anything
	// else so the ack is always the first outbound frame.
	select {
	case msg := <-outbox:
		if err := send(msg); err != nil {
			return err
		}
	default:
	}

	// Initial IOC-version check: an agent reconnecting with a stale
	// ioc_version (it may have been offline during a fleet publish, which
	// only targets ONLINE agents) gets its UPDATE_IOCS now rather than on
	// the first re-check tick.
	s.push.StreamLocalCheck(agentID, s.now(), uuid.NewString)

	if err := drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-outbox:
			if err := send(msg); err != nil {
				return err
			}
		case <-heartbeat.C:
			if s.clk.Since(lastOutbound) >= s.cfg.StreamHeartbeat() {
				if err := send(&wire.CommandMessage{AgentID: agentID, Timestamp: s.now(), Type: wire.MsgPing, Ping: &wire.PingMessage{AgentID: agentID, Timestamp: s.now()}}); err != nil {
					return err
				}
			}
		case <-iocTick.C:
			s.push.StreamLocalCheck(agentID, s.now(), uuid.NewString)
		case sig := <-sigCh:
			if (sig.Type == events.EventQueueChanged && sig.AgentID == agentID) || sig.Type == events.EventIOCVersionBumped {
				if err := drain(); err != nil {
					return err
				}
			}
		}
	}
}

// Registry exposes the stream registry for the admin surface's inspection
// endpoints and for tests.
func (s *Server) Registry() *Registry { return s.streams }

// Orchestrator exposes the IOC push orchestrator for the admin fleet
// publish endpoint.
func (s *Server) Orchestrator() *iocpush.Orchestrator { return s.push }
