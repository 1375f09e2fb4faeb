package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zisk-distributed/coordinator/internal/controller"
	"github.com/zisk-distributed/coordinator/internal/pool"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

// fakeStream implements transport.WorkerStreamServer over two Go channels,
// standing in for a gRPC bidirectional stream in-process.
type fakeStream struct {
	ctx     context.Context
	inbound chan *transport.WorkerMessage
	sent    chan *transport.CoordinatorMessage
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ctx:     context.Background(),
		inbound: make(chan *transport.WorkerMessage, 16),
		sent:    make(chan *transport.CoordinatorMessage, 16),
	}
}

func (f *fakeStream) Send(m *transport.CoordinatorMessage) error {
	f.sent <- m
	return nil
}

func (f *fakeStream) Recv() (*transport.WorkerMessage, error) {
	msg, ok := <-f.inbound
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func testConfig() controller.Config {
	return controller.Config{
		Phase1Timeout:     time.Second,
		Phase2Timeout:     time.Second,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
	}
}

func TestRunRegistersWorkerAndAcksHandshake(t *testing.T) {
	coord := controller.New(pool.DefaultConfig(), testConfig(), nil)
	stream := newFakeStream()

	stream.inbound <- &transport.WorkerMessage{Register: &transport.RegisterRequest{WorkerID: "w1", Capacity: 10}}

	done := make(chan error, 1)
	go func() { done <- Run(stream, coord, 16) }()

	select {
	case ack := <-stream.sent:
		require.NotNil(t, ack.RegisterResponse)
		assert.True(t, ack.RegisterResponse.Accepted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for register ack")
	}

	w, ok := coord.Pool().Get("w1")
	require.True(t, ok)
	assert.Equal(t, coordtypes.ComputeCapacity(10), w.Capacity)

	close(stream.inbound)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stream closed")
	}

	w, ok = coord.Pool().Get("w1")
	require.True(t, ok, "disconnect on stream close keeps the registration for reconnect")
	assert.Equal(t, coordtypes.WorkerDisconnected, w.State.Status)
}

func TestRunRejectsGarbageFirstMessage(t *testing.T) {
	coord := controller.New(pool.DefaultConfig(), testConfig(), nil)
	stream := newFakeStream()
	stream.inbound <- &transport.WorkerMessage{}

	err := Run(stream, coord, 16)
	assert.Error(t, err)
}

func TestRunForwardsTaskResponsesToCoordinator(t *testing.T) {
	coord := controller.New(pool.DefaultConfig(), testConfig(), nil)
	stream := newFakeStream()
	stream.inbound <- &transport.WorkerMessage{Register: &transport.RegisterRequest{WorkerID: "w1", Capacity: 10}}

	done := make(chan error, 1)
	go func() { done <- Run(stream, coord, 16) }()
	<-stream.sent // register ack

	jobID, err := coord.StartProof("block-1", 10, "/inputs/block-1")
	require.NoError(t, err)

	var task *transport.ExecuteTask
	select {
	case msg := <-stream.sent:
		require.NotNil(t, msg.ExecuteTask)
		task = msg.ExecuteTask
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched task")
	}
	assert.Equal(t, string(jobID), task.JobID)

	stream.inbound <- &transport.WorkerMessage{
		ExecuteTaskResponse: &transport.ExecuteTaskResponse{
			JobID:        task.JobID,
			TaskType:     transport.TaskContribute,
			Success:      false,
			ErrorMessage: "boom",
		},
	}

	require.Eventually(t, func() bool {
		view := coord.JobStatus(jobID)
		return view.Found && view.Status.String() == "failed"
	}, time.Second, 10*time.Millisecond)

	close(stream.inbound)
	<-done
}

// breakingStream.Recv returns an arbitrary error (not io.EOF), covering
// the abrupt-disconnect branch distinct from a clean stream close.
type breakingStream struct {
	*fakeStream
	failAfter int
	recvCount int
	failErr   error
}

func (b *breakingStream) Recv() (*transport.WorkerMessage, error) {
	b.recvCount++
	if b.recvCount > b.failAfter {
		return nil, b.failErr
	}
	return b.fakeStream.Recv()
}

func TestRunReturnsUnderlyingErrorOnAbruptDisconnect(t *testing.T) {
	coord := controller.New(pool.DefaultConfig(), testConfig(), nil)
	inner := newFakeStream()
	inner.inbound <- &transport.WorkerMessage{Register: &transport.RegisterRequest{WorkerID: "w1", Capacity: 10}}
	failErr := errors.New("connection reset by peer")
	stream := &breakingStream{fakeStream: inner, failAfter: 1, failErr: failErr}

	err := Run(stream, coord, 16)
	assert.ErrorIs(t, err, failErr)

	w, ok := coord.Pool().Get("w1")
	require.True(t, ok, "abrupt disconnect also keeps the registration for reconnect")
	assert.Equal(t, coordtypes.WorkerDisconnected, w.State.Status)
}
