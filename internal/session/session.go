// Package session implements the coordinator-side WorkerSession: the
// per-connection handler for one worker's bidirectional gRPC stream. It
// owns the opening handshake, drains the worker's outbound channel onto
// the wire, and forwards every inbound message to the Coordinator.
//
// The session never touches the pool or tracker directly beyond the
// handshake's RegisterWorker/ReconnectWorker call. It holds a pointer to
// the Coordinator and reports each inbound message by calling its methods
// directly; there is no event channel between the two. The coordinator
// writes outbound messages onto the worker's channel (owned by the pool)
// rather than calling back into the session.
package session

import (
	"errors"
	"io"
	"log/slog"

	"github.com/zisk-distributed/coordinator/internal/controller"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

var log = slog.Default()

// ErrRejected is returned by Run when the coordinator declines the
// worker's Register/Reconnect handshake.
var ErrRejected = errors.New("session: registration rejected")

// DefaultMessageBufferSize bounds the per-worker outbound channel
// (SPEC_FULL.md §6, message_buffer_size, default 1000).
const DefaultMessageBufferSize = 1000

// Run drives one worker's stream end to end: handshake, then the
// recv/dispatch loop, until the stream breaks or the coordinator rejects
// the handshake. Any exit past a successful handshake tells the
// coordinator the worker disconnected, so its in-flight job (if any) is
// failed and freed.
func Run(stream transport.WorkerStreamServer, coord *controller.Coordinator, bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultMessageBufferSize
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}

	out := make(chan *transport.CoordinatorMessage, bufferSize)
	workerID, accepted, message, reconnected := handshake(coord, first, out)
	if workerID == "" {
		return errors.New("session: first message must be Register or Reconnect")
	}

	if err := stream.Send(&transport.CoordinatorMessage{
		RegisterResponse: &transport.RegisterResponse{Accepted: accepted, Message: message},
	}); err != nil {
		return err
	}
	if !accepted {
		return ErrRejected
	}

	log.Info("worker session established", "worker_id", workerID, "reconnected", reconnected)
	defer coord.HandleDisconnect(coordtypes.WorkerID(workerID))

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-out:
				if !ok {
					return
				}
				if err := stream.Send(msg); err != nil {
					log.Warn("session send failed", "worker_id", workerID, "error", err)
					return
				}
			case <-stream.Context().Done():
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("worker stream closed", "worker_id", workerID)
			} else {
				log.Warn("worker stream error", "worker_id", workerID, "error", err)
			}
			close(stop)
			<-done
			return err
		}
		coord.HandleWorkerMessage(coordtypes.WorkerID(workerID), msg)
	}
}

// handshake validates and applies the opening Register/Reconnect message,
// passing the session's real outbound channel so the pool's send
// endpoint is live from the moment admission succeeds.
func handshake(coord *controller.Coordinator, msg *transport.WorkerMessage, out chan<- *transport.CoordinatorMessage) (workerID string, accepted bool, message string, reconnected bool) {
	switch {
	case msg.Register != nil:
		workerID = msg.Register.WorkerID
		err := coord.RegisterWorker(coordtypes.WorkerID(workerID), coordtypes.ComputeCapacity(msg.Register.Capacity), out)
		if err != nil {
			return workerID, false, err.Error(), false
		}
		return workerID, true, "registered", false

	case msg.Reconnect != nil:
		workerID = msg.Reconnect.WorkerID
		ok, err := coord.ReconnectWorker(
			coordtypes.WorkerID(workerID),
			coordtypes.ComputeCapacity(msg.Reconnect.Capacity),
			coordtypes.JobID(msg.Reconnect.LastKnownJobID),
			out,
		)
		if err != nil {
			return workerID, false, err.Error(), false
		}
		if ok {
			return workerID, true, "reconnected", true
		}
		return workerID, true, "reconnected as new registration: job unknown", false

	default:
		return "", false, "first message must be register or reconnect", false
	}
}
