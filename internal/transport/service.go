package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service name under which WorkerStream and the
// client-facing unary RPCs are registered. Hand-rolled in place of a
// protoc-gen-go-grpc output since no .proto source exists upstream.
const ServiceName = "zisk.distributed.ZkCoordinatorService"

// StartProofRequest/Response and JobStatusRequest/Response/CancelJobRequest
// back the unary client-to-coordinator API (SPEC_FULL.md §6).
type StartProofRequest struct {
	BlockID      string `json:"block_id"`
	Capacity     uint64 `json:"capacity"`
	InputPath    string `json:"input_path"`
}

type StartProofResponse struct {
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type JobStatusRequest struct {
	JobID string `json:"job_id"`
}

type JobStatusResponse struct {
	State        string `json:"state"` // "running", "completed", "failed", "unknown"
	Phase        string `json:"phase,omitempty"`
	FinalProof   []byte `json:"final_proof,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type CancelJobRequest struct {
	JobID string `json:"job_id"`
}

type CancelJobResponse struct {
	Accepted bool `json:"accepted"`
}

// ZkCoordinatorServiceServer is implemented by internal/server.
// WorkerStream is the bidirectional worker session; the other three are
// plain unary request/response RPCs.
type ZkCoordinatorServiceServer interface {
	WorkerStream(stream WorkerStreamServer) error
	StartProof(ctx context.Context, req *StartProofRequest) (*StartProofResponse, error)
	JobStatus(ctx context.Context, req *JobStatusRequest) (*JobStatusResponse, error)
	CancelJob(ctx context.Context, req *CancelJobRequest) (*CancelJobResponse, error)
}

// WorkerStreamServer is the server-side handle for one worker's stream:
// Recv yields inbound WorkerMessages, Send delivers CoordinatorMessages.
type WorkerStreamServer interface {
	Send(*CoordinatorMessage) error
	Recv() (*WorkerMessage, error)
	Context() context.Context
}

type workerStreamServer struct {
	grpc.ServerStream
}

func (s *workerStreamServer) Send(m *CoordinatorMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *workerStreamServer) Recv() (*WorkerMessage, error) {
	m := new(WorkerMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func workerStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ZkCoordinatorServiceServer).WorkerStream(&workerStreamServer{stream})
}

func startProofHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(StartProofRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ZkCoordinatorServiceServer).StartProof(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/StartProof"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ZkCoordinatorServiceServer).StartProof(ctx, req.(*StartProofRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func jobStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JobStatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ZkCoordinatorServiceServer).JobStatus(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/JobStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ZkCoordinatorServiceServer).JobStatus(ctx, req.(*JobStatusRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func cancelJobHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CancelJobRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ZkCoordinatorServiceServer).CancelJob(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/CancelJob"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ZkCoordinatorServiceServer).CancelJob(ctx, req.(*CancelJobRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc is registered on a *grpc.Server with
// RegisterZkCoordinatorServiceServer, the same pattern protoc-gen-go-grpc
// would emit.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ZkCoordinatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartProof", Handler: startProofHandler},
		{MethodName: "JobStatus", Handler: jobStatusHandler},
		{MethodName: "CancelJob", Handler: cancelJobHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WorkerStream",
			Handler:       workerStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "zisk_distributed_coordinator.proto",
}

func RegisterZkCoordinatorServiceServer(s grpc.ServiceRegistrar, srv ZkCoordinatorServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ZkCoordinatorServiceClient is the worker-side client stub.
type ZkCoordinatorServiceClient interface {
	WorkerStream(ctx context.Context, opts ...grpc.CallOption) (WorkerStreamClient, error)
	StartProof(ctx context.Context, req *StartProofRequest, opts ...grpc.CallOption) (*StartProofResponse, error)
	JobStatus(ctx context.Context, req *JobStatusRequest, opts ...grpc.CallOption) (*JobStatusResponse, error)
	CancelJob(ctx context.Context, req *CancelJobRequest, opts ...grpc.CallOption) (*CancelJobResponse, error)
}

// WorkerStreamClient is the worker-side handle for its own stream.
type WorkerStreamClient interface {
	Send(*WorkerMessage) error
	Recv() (*CoordinatorMessage, error)
	grpc.ClientStream
}

type zkCoordinatorServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewZkCoordinatorServiceClient(cc grpc.ClientConnInterface) ZkCoordinatorServiceClient {
	return &zkCoordinatorServiceClient{cc}
}

type workerStreamClient struct {
	grpc.ClientStream
}

func (c *workerStreamClient) Send(m *WorkerMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *workerStreamClient) Recv() (*CoordinatorMessage, error) {
	m := new(CoordinatorMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *zkCoordinatorServiceClient) WorkerStream(ctx context.Context, opts ...grpc.CallOption) (WorkerStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ServiceName+"/WorkerStream", opts...)
	if err != nil {
		return nil, err
	}
	return &workerStreamClient{stream}, nil
}

func (c *zkCoordinatorServiceClient) StartProof(ctx context.Context, req *StartProofRequest, opts ...grpc.CallOption) (*StartProofResponse, error) {
	resp := new(StartProofResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/StartProof", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *zkCoordinatorServiceClient) JobStatus(ctx context.Context, req *JobStatusRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	resp := new(JobStatusResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/JobStatus", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *zkCoordinatorServiceClient) CancelJob(ctx context.Context, req *CancelJobRequest, opts ...grpc.CallOption) (*CancelJobResponse, error) {
	resp := new(CancelJobResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/CancelJob", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// ErrUnknownJob maps to a NotFound gRPC status for JobStatus on an id the
// coordinator has never seen or has already freed.
func ErrUnknownJob(jobID string) error {
	return status.Errorf(codes.NotFound, "unknown job %q", jobID)
}
