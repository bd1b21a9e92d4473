package wire

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name, matching what a
// generated .proto would have declared (package edrcp; service ControlPlane).
const serviceName = "edrcp.ControlPlane"

// ControlPlaneServer is implemented by the component serving unary RPCs and
// the bidirectional stream (internal/streambroker.Server).
type ControlPlaneServer interface {
	RegisterAgent(context.Context, *AgentInfoWire) (*RegisterAgentResponse, error)
	UpdateStatus(context.Context, *StatusRequest) (*UpdateStatusResponse, error)
	ReportIOCMatch(context.Context, *IOCMatchReport) (*IOCMatchAck, error)
	SendCommand(context.Context, *CommandWire) (*SendCommandResponse, error)
	Channel(ControlPlane_ChannelServer) error
}

// ControlPlane_ChannelServer is the server-side view of the bidirectional
// Channel stream, matching the shape protoc-gen-go-grpc would emit for a
// `rpc Channel(stream CommandMessage) returns (stream CommandMessage)`.
type ControlPlane_ChannelServer interface {
	Send(*CommandMessage) error
	Recv() (*CommandMessage, error)
	Context() context.Context
}

// RegisterControlPlaneServer wires srv into grpcServer under the hand-built
// ServiceDesc below, the manual equivalent of a generated
// RegisterControlPlaneServer call.
func RegisterControlPlaneServer(grpcServer *grpc.Server, srv ControlPlaneServer) {
	grpcServer.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgent", Handler: registerAgentHandler},
		{MethodName: "UpdateStatus", Handler: updateStatusHandler},
		{MethodName: "ReportIOCMatch", Handler: reportIOCMatchHandler},
		{MethodName: "SendCommand", Handler: sendCommandHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Channel",
			Handler:       channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "edrcp/control_plane.proto",
}

func registerAgentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AgentInfoWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RegisterAgent"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlPlaneServer).RegisterAgent(ctx, req.(*AgentInfoWire))
	}
	return interceptor(ctx, in, info, handler)
}

func updateStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).UpdateStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlPlaneServer).UpdateStatus(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportIOCMatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IOCMatchReport)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).ReportIOCMatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ReportIOCMatch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlPlaneServer).ReportIOCMatch(ctx, req.(*IOCMatchReport))
	}
	return interceptor(ctx, in, info, handler)
}

func sendCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommandWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).SendCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendCommand"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlPlaneServer).SendCommand(ctx, req.(*CommandWire))
	}
	return interceptor(ctx, in, info, handler)
}

func channelHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ControlPlaneServer).Channel(&controlPlaneChannelServer{stream})
}

type controlPlaneChannelServer struct {
	grpc.ServerStream
}

func (x *controlPlaneChannelServer) Send(m *CommandMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *controlPlaneChannelServer) Recv() (*CommandMessage, error) {
	m := new(CommandMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ControlPlaneClient is the client-side stub used by the standalone
// sendcmd tool (cmd/sendcmd).
type ControlPlaneClient interface {
	RegisterAgent(ctx context.Context, in *AgentInfoWire, opts ...grpc.CallOption) (*RegisterAgentResponse, error)
	UpdateStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*UpdateStatusResponse, error)
	ReportIOCMatch(ctx context.Context, in *IOCMatchReport, opts ...grpc.CallOption) (*IOCMatchAck, error)
	SendCommand(ctx context.Context, in *CommandWire, opts ...grpc.CallOption) (*SendCommandResponse, error)
	Channel(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ChannelClient, error)
}

// ControlPlane_ChannelClient is the client-side view of the bidirectional
// Channel stream.
type ControlPlane_ChannelClient interface {
	Send(*CommandMessage) error
	Recv() (*CommandMessage, error)
	grpc.ClientStream
}

type controlPlaneClient struct {
	cc grpc.ClientConnInterface
}

// NewControlPlaneClient builds a client stub over an established
// *grpc.ClientConn, the manual equivalent of a generated NewControlPlaneClient.
func NewControlPlaneClient(cc grpc.ClientConnInterface) ControlPlaneClient {
	return &controlPlaneClient{cc: cc}
}

func withJSONSubtype(opts []grpc.CallOption) []grpc.CallOption {
	return append(opts, grpc.CallContentSubtype(CodecName))
}

func (c *controlPlaneClient) RegisterAgent(ctx context.Context, in *AgentInfoWire, opts ...grpc.CallOption) (*RegisterAgentResponse, error) {
	out := new(RegisterAgentResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RegisterAgent", in, out, withJSONSubtype(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) UpdateStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*UpdateStatusResponse, error) {
	out := new(UpdateStatusResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateStatus", in, out, withJSONSubtype(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) ReportIOCMatch(ctx context.Context, in *IOCMatchReport, opts ...grpc.CallOption) (*IOCMatchAck, error) {
	out := new(IOCMatchAck)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ReportIOCMatch", in, out, withJSONSubtype(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) SendCommand(ctx context.Context, in *CommandWire, opts ...grpc.CallOption) (*SendCommandResponse, error) {
	out := new(SendCommandResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SendCommand", in, out, withJSONSubtype(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) Channel(ctx context.Context, opts ...grpc.CallOption) (ControlPlane_ChannelClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/Channel", withJSONSubtype(opts)...)
	if err != nil {
		return nil, err
	}
	return &controlPlaneChannelClient{stream}, nil
}

type controlPlaneChannelClient struct {
	grpc.ClientStream
}

func (x *controlPlaneChannelClient) Send(m *CommandMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *controlPlaneChannelClient) Recv() (*CommandMessage, error) {
	m := new(CommandMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
