// Package server exposes the Coordinator over gRPC: it implements
// transport.ZkCoordinatorServiceServer, handing each worker's
// bidirectional stream to internal/session and translating the three
// client-facing unary RPCs onto the Coordinator's Go API.
package server

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zisk-distributed/coordinator/internal/controller"
	"github.com/zisk-distributed/coordinator/internal/session"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

var log = slog.Default()

// Server implements transport.ZkCoordinatorServiceServer over a Coordinator.
type Server struct {
	coord             *controller.Coordinator
	messageBufferSize int
}

// NewServer wraps a running Coordinator for gRPC exposure. messageBufferSize
// bounds each worker session's outbound channel (SPEC_FULL.md §6,
// message_buffer_size); 0 uses session.DefaultMessageBufferSize.
func NewServer(coord *controller.Coordinator, messageBufferSize int) *Server {
	return &Server{coord: coord, messageBufferSize: messageBufferSize}
}

// WorkerStream hands the stream to the session package for its full
// lifetime: handshake, recv/dispatch loop, and disconnect bookkeeping.
func (s *Server) WorkerStream(stream transport.WorkerStreamServer) error {
	err := session.Run(stream, s.coord, s.messageBufferSize)
	if err != nil {
		log.Warn("worker stream ended", "error", err)
	}
	return err
}

// StartProof admits a new proof job and kicks off the Contributions phase.
func (s *Server) StartProof(ctx context.Context, req *transport.StartProofRequest) (*transport.StartProofResponse, error) {
	jobID, err := s.coord.StartProof(coordtypes.BlockID(req.BlockID), coordtypes.ComputeCapacity(req.Capacity), req.InputPath)
	if err != nil {
		return &transport.StartProofResponse{ErrorMessage: err.Error()}, nil
	}
	return &transport.StartProofResponse{JobID: string(jobID)}, nil
}

// JobStatus reports a job's current phase, status, and (if completed) its
// final proof bytes.
func (s *Server) JobStatus(ctx context.Context, req *transport.JobStatusRequest) (*transport.JobStatusResponse, error) {
	view := s.coord.JobStatus(coordtypes.JobID(req.JobID))
	if !view.Found {
		return nil, transport.ErrUnknownJob(req.JobID)
	}
	return &transport.JobStatusResponse{
		State:         view.Status.String(),
		Phase:         view.Phase.String(),
		FinalProof:    view.FinalProof,
		FailureReason: view.FailureReason,
	}, nil
}

// CancelJob stops an in-progress job and frees its assigned workers.
func (s *Server) CancelJob(ctx context.Context, req *transport.CancelJobRequest) (*transport.CancelJobResponse, error) {
	ok := s.coord.CancelJob(coordtypes.JobID(req.JobID), "cancelled by client")
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown job")
	}
	return &transport.CancelJobResponse{Accepted: true}, nil
}
