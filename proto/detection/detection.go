// Package detection contains the hand-written Go bindings for the
// keysentinel DetectionService gRPC interface.
//
// The wire format is JSON rather than protobuf: a generated detection.pb.go
// would normally come from protoc, but the agent's build pipeline has no
// protoc toolchain available, so the messages below are plain JSON-tagged
// structs and the codec is registered under the "json" content-subtype via
// encoding.RegisterCodec. Any grpc-go client or server that negotiates
// content-subtype=json can exchange these messages with no code generation
// step.
package detection

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by delegating to encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// RegisterRequest is sent once per connection to obtain a stable AgentID.
type RegisterRequest struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	AgentVersion string `json:"agent_version"`
}

// RegisterResponse carries the agent identity assigned by the collector.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
}

// Report is one unit sent upstream on the StreamReports RPC: either a
// Detection or a MonitorEvent, carried as opaque JSON so the wire type does
// not need to duplicate factmodel's struct definitions.
type Report struct {
	AgentID          string          `json:"agent_id"`
	ReportID         string          `json:"report_id"`
	Kind             string          `json:"kind"` // "DETECTION" or "MONITOR_EVENT"
	TimestampUnixMicro int64         `json:"timestamp_unix_micro"`
	DetectionJSON    json.RawMessage `json:"detection_json,omitempty"`
	MonitorEventJSON json.RawMessage `json:"monitor_event_json,omitempty"`
}

// ServerCommand is the collector's per-Report response on the stream.
type ServerCommand struct {
	Type string `json:"type"` // "ACK" or "ERROR"
}

// DetectionServiceClient is the client API for the DetectionService.
type DetectionServiceClient interface {
	RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	StreamReports(ctx context.Context, opts ...grpc.CallOption) (DetectionService_StreamReportsClient, error)
}

// DetectionService_StreamReportsClient is the bidirectional stream handle
// returned by StreamReports.
type DetectionService_StreamReportsClient interface {
	Send(*Report) error
	Recv() (*ServerCommand, error)
	CloseSend() error
}

type detectionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDetectionServiceClient constructs a client bound to cc, defaulting every
// call to the "json" content-subtype registered in init().
func NewDetectionServiceClient(cc grpc.ClientConnInterface) DetectionServiceClient {
	return &detectionServiceClient{cc: cc}
}

func (c *detectionServiceClient) RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype("json")}, opts...)
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, serviceName+"/RegisterAgent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectionServiceClient) StreamReports(ctx context.Context, opts ...grpc.CallOption) (DetectionService_StreamReportsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype("json")}, opts...)
	stream, err := c.cc.NewStream(ctx, &streamReportsDesc, serviceName+"/StreamReports", opts...)
	if err != nil {
		return nil, err
	}
	return &streamReportsClient{stream}, nil
}

type streamReportsClient struct {
	grpc.ClientStream
}

func (x *streamReportsClient) Send(m *Report) error { return x.ClientStream.SendMsg(m) }
func (x *streamReportsClient) Recv() (*ServerCommand, error) {
	m := new(ServerCommand)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

const serviceName = "keysentinel.detection.DetectionService"

var streamReportsDesc = grpc.StreamDesc{
	StreamName:    "StreamReports",
	ClientStreams: true,
	ServerStreams: true,
}

// DetectionServiceServer is the server API for the DetectionService.
type DetectionServiceServer interface {
	RegisterAgent(ctx context.Context, in *RegisterRequest) (*RegisterResponse, error)
	StreamReports(stream DetectionService_StreamReportsServer) error
}

// UnimplementedDetectionServiceServer embeds to satisfy forward-compatible
// server implementations, mirroring protoc-gen-go-grpc's generated helper.
type UnimplementedDetectionServiceServer struct{}

func (UnimplementedDetectionServiceServer) RegisterAgent(ctx context.Context, in *RegisterRequest) (*RegisterResponse, error) {
	return nil, errUnimplemented("RegisterAgent")
}
func (UnimplementedDetectionServiceServer) StreamReports(stream DetectionService_StreamReportsServer) error {
	return errUnimplemented("StreamReports")
}

// DetectionService_StreamReportsServer is the server-side stream handle.
type DetectionService_StreamReportsServer interface {
	Send(*ServerCommand) error
	Recv() (*Report, error)
	grpc.ServerStream
}

type streamReportsServer struct {
	grpc.ServerStream
}

func (x *streamReportsServer) Send(m *ServerCommand) error { return x.ServerStream.SendMsg(m) }
func (x *streamReportsServer) Recv() (*Report, error) {
	m := new(Report)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectionServiceServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/RegisterAgent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectionServiceServer).RegisterAgent(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamReportsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DetectionServiceServer).StreamReports(&streamReportsServer{stream})
}

// ServiceDesc is the hand-authored equivalent of protoc-gen-go-grpc's
// generated _ServiceDesc, wired to RegisterDetectionServiceServer below.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DetectionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgent", Handler: registerAgentHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamReports",
			Handler:       streamReportsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "keysentinel/detection.proto",
}

// RegisterDetectionServiceServer registers srv on s, mirroring the generated
// RegisterAlertServiceServer helper.
func RegisterDetectionServiceServer(s grpc.ServiceRegistrar, srv DetectionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func errUnimplemented(method string) error {
	return &unimplementedError{method}
}

type unimplementedError struct{ method string }

func (e *unimplementedError) Error() string {
	return "detection: method " + e.method + " not implemented"
}
