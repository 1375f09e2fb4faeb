package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

func send() chan *transport.CoordinatorMessage {
	return make(chan *transport.CoordinatorMessage, 4)
}

func TestRegisterAndGet(t *testing.T) {
	p := NewPool(DefaultConfig())

	w, err := p.Register("w1", 10, send())
	require.NoError(t, err)
	assert.Equal(t, coordtypes.WorkerID("w1"), w.ID)
	assert.Equal(t, coordtypes.WorkerIdle, w.State.Status)

	got, ok := p.Get("w1")
	require.True(t, ok)
	assert.Equal(t, coordtypes.ComputeCapacity(10), got.Capacity)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)

	_, err = p.Register("w1", 10, send())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterCapacityExhausted(t *testing.T) {
	p := NewPool(Config{MaxTotalWorkers: 1})
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)

	_, err = p.Register("w2", 10, send())
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)

	p.Unregister("w1")
	_, ok := p.Get("w1")
	assert.False(t, ok)
}

func TestReconnectRevivesDisconnectedWorker(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)
	require.NoError(t, p.MarkWithState("w1", coordtypes.Disconnected()))

	newSend := send()
	w, err := p.Reconnect("w1", 20, newSend)
	require.NoError(t, err)
	assert.Equal(t, coordtypes.ComputeCapacity(20), w.Capacity)
	assert.Equal(t, coordtypes.WorkerIdle, w.State.Status)

	got, ok := p.Get("w1")
	require.True(t, ok)
	assert.Equal(t, coordtypes.WorkerIdle, got.State.Status)
}

func TestReconnectBehavesLikeRegisterWhenUnknown(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Reconnect("new-worker", 5, send())
	require.NoError(t, err)

	_, ok := p.Get("new-worker")
	assert.True(t, ok)
}

func TestMarkWithStateGatesOnFromState(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)

	err = p.MarkWithState("w1", coordtypes.Computing(coordtypes.PhaseProve), coordtypes.WorkerComputing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = p.MarkWithState("w1", coordtypes.Computing(coordtypes.PhaseContributions), coordtypes.WorkerIdle)
	assert.NoError(t, err)
}

func TestMarkWithStateUnknownWorker(t *testing.T) {
	p := NewPool(DefaultConfig())
	err := p.MarkWithState("ghost", coordtypes.Idle())
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestExpiredHeartbeats(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("stale", 10, send())
	require.NoError(t, err)
	_, err = p.Register("fresh", 10, send())
	require.NoError(t, err)

	p.mu.Lock()
	p.workers["stale"].LastHeartbeat = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	expired := p.ExpiredHeartbeats(time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, coordtypes.WorkerID("stale"), expired[0])
}

func TestPartitionAndAllocateByCapacityExactCover(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("a", 10, send())
	require.NoError(t, err)
	_, err = p.Register("b", 5, send())
	require.NoError(t, err)

	workers, partitions, err := p.PartitionAndAllocateByCapacity(15)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Len(t, partitions, 2)

	assert.Equal(t, coordtypes.WorkerID("a"), workers[0], "descending capacity means a (10) is selected first")
	assert.Equal(t, coordtypes.Partition{Offset: 0, Length: 10}, partitions[0])
	assert.Equal(t, coordtypes.Partition{Offset: 10, Length: 5}, partitions[1])

	wa, _ := p.Get("a")
	assert.True(t, wa.State.IsComputing())
}

func TestPartitionAndAllocateByCapacityUnderUsesLastWorker(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("big", 100, send())
	require.NoError(t, err)

	workers, partitions, err := p.PartitionAndAllocateByCapacity(10)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, coordtypes.Partition{Offset: 0, Length: 10}, partitions[0], "residual length, not full capacity")
}

func TestPartitionAndAllocateByCapacityInsufficient(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 5, send())
	require.NoError(t, err)

	_, _, err = p.PartitionAndAllocateByCapacity(100)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	w, _ := p.Get("w1")
	assert.Equal(t, coordtypes.WorkerIdle, w.State.Status, "pool must be left unchanged on failure")
}

func TestPartitionAndAllocateByCapacityZeroRequired(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, _, err := p.PartitionAndAllocateByCapacity(0)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestPartitionExcludesComputingWorkers(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("busy", 50, send())
	require.NoError(t, err)
	require.NoError(t, p.MarkWithState("busy", coordtypes.Computing(coordtypes.PhaseContributions)))

	_, _, err = p.PartitionAndAllocateByCapacity(10)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestSelectAggWorkerIsRankZero(t *testing.T) {
	id, ok := SelectAggWorker([]coordtypes.WorkerID{"w0", "w1", "w2"})
	require.True(t, ok)
	assert.Equal(t, coordtypes.WorkerID("w0"), id)

	_, ok = SelectAggWorker(nil)
	assert.False(t, ok)
}

func TestFreeReturnsWorkersToIdle(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("w1", 10, send())
	require.NoError(t, err)
	require.NoError(t, p.MarkWithState("w1", coordtypes.Computing(coordtypes.PhaseProve)))

	p.Free([]coordtypes.WorkerID{"w1"})

	w, _ := p.Get("w1")
	assert.Equal(t, coordtypes.WorkerIdle, w.State.Status)
}

func TestStateCounts(t *testing.T) {
	p := NewPool(DefaultConfig())
	_, err := p.Register("idle1", 10, send())
	require.NoError(t, err)
	_, err = p.Register("busy1", 10, send())
	require.NoError(t, err)
	require.NoError(t, p.MarkWithState("busy1", coordtypes.Computing(coordtypes.PhaseContributions)))

	idle, computing, total := p.StateCounts()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, computing)
	assert.Equal(t, 2, total)
}
