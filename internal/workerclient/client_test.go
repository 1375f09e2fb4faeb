package workerclient

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/zisk-distributed/coordinator/internal/engine"
	"github.com/zisk-distributed/coordinator/internal/transport"
)

// fakeWorkerStream implements transport.WorkerStreamClient over two Go
// channels. It embeds a nil grpc.ClientStream since Run/handshake/serve
// only ever call Send and Recv on the interface.
type fakeWorkerStream struct {
	grpc.ClientStream
	toCoord  chan *transport.WorkerMessage
	toWorker chan *transport.CoordinatorMessage
}

func newFakeWorkerStream() *fakeWorkerStream {
	return &fakeWorkerStream{
		toCoord:  make(chan *transport.WorkerMessage, 16),
		toWorker: make(chan *transport.CoordinatorMessage, 16),
	}
}

func (f *fakeWorkerStream) Send(m *transport.WorkerMessage) error {
	f.toCoord <- m
	return nil
}

func (f *fakeWorkerStream) Recv() (*transport.CoordinatorMessage, error) {
	msg, ok := <-f.toWorker
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

// newTestClient builds a client with a deterministic, never-failing,
// zero-delay engine so test assertions aren't at the mercy of the
// Simulated engine's randomised failure rate and think time.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{WorkerID: "w1", Capacity: 10, Engine: "simulated"})
	require.NoError(t, err)
	c.eng = &engine.Simulated{FailureRate: 0, MaxDelay: 0}
	return c
}

func TestHandshakeSendsRegisterWhenNoLastJob(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()
	stream.toWorker <- &transport.CoordinatorMessage{RegisterResponse: &transport.RegisterResponse{Accepted: true, Message: "registered"}}

	err := c.handshake(stream)
	require.NoError(t, err)

	sent := <-stream.toCoord
	require.NotNil(t, sent.Register)
	assert.Equal(t, "w1", sent.Register.WorkerID)
	assert.Nil(t, sent.Reconnect)
}

func TestHandshakeSendsReconnectWhenLastJobKnown(t *testing.T) {
	c := newTestClient(t)
	c.lastJobID = "job-1"
	stream := newFakeWorkerStream()
	stream.toWorker <- &transport.CoordinatorMessage{RegisterResponse: &transport.RegisterResponse{Accepted: true}}

	require.NoError(t, c.handshake(stream))

	sent := <-stream.toCoord
	require.NotNil(t, sent.Reconnect)
	assert.Equal(t, "job-1", sent.Reconnect.LastKnownJobID)
}

func TestHandshakeRejectedReturnsError(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()
	stream.toWorker <- &transport.CoordinatorMessage{RegisterResponse: &transport.RegisterResponse{Accepted: false, Message: "capacity exhausted"}}

	err := c.handshake(stream)
	assert.ErrorContains(t, err, "capacity exhausted")
}

func TestHandshakeWrongFirstMessageErrors(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()
	stream.toWorker <- &transport.CoordinatorMessage{Heartbeat: &transport.Heartbeat{}}

	err := c.handshake(stream)
	assert.Error(t, err)
}

func TestServeExecutesTaskAndReportsResult(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, stream) }()

	stream.toWorker <- &transport.CoordinatorMessage{
		ExecuteTask: &transport.ExecuteTask{
			JobID:    "job-1",
			TaskType: transport.TaskContribute,
			ContributeParams: &transport.ContributeParamsWire{
				BlockID: "block-1", RankID: 0, TotalWorkers: 1,
			},
		},
	}

	select {
	case msg := <-stream.toCoord:
		require.NotNil(t, msg.ExecuteTaskResponse)
		assert.Equal(t, "job-1", msg.ExecuteTaskResponse.JobID)
		assert.True(t, msg.ExecuteTaskResponse.Success)
		assert.Equal(t, "w1", msg.ExecuteTaskResponse.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task response")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestServeAcksHeartbeat(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, stream) }()

	stream.toWorker <- &transport.CoordinatorMessage{Heartbeat: &transport.Heartbeat{}}

	select {
	case msg := <-stream.toCoord:
		require.NotNil(t, msg.HeartbeatAck)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat ack")
	}
	cancel()
	<-done
}

func TestServeReturnsNilOnCleanStreamClose(t *testing.T) {
	c := newTestClient(t)
	stream := newFakeWorkerStream()

	done := make(chan error, 1)
	go func() { done <- c.serve(context.Background(), stream) }()

	close(stream.toWorker)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return on stream close")
	}
}

func TestValidateInputPathSkippedWhenNoInputsFolderConfigured(t *testing.T) {
	c := newTestClient(t)
	err := c.validateInputPath(context.Background(), "/nonexistent/path")
	assert.NoError(t, err)
}

func TestValidateInputPathRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{WorkerID: "w1", Capacity: 10, Engine: "simulated", InputsFolder: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = c.validateInputPath(ctx, "/etc/passwd")
	assert.Error(t, err)
}
