package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

func TestNewSimulatedBuiltsWithTeacherDefaults(t *testing.T) {
	eng := NewSimulated()
	assert.Equal(t, 10, eng.FailureRate)
	assert.Equal(t, 500*time.Millisecond, eng.MaxDelay)
}

func TestNewSelectsSimulatedEngine(t *testing.T) {
	for _, name := range []string{"", "simulated"} {
		eng, err := New(name)
		require.NoError(t, err)
		_, ok := eng.(*Simulated)
		assert.True(t, ok, "engine %q should resolve to *Simulated", name)
	}
}

func TestNewRejectsUnknownEngine(t *testing.T) {
	_, err := New("gpu-asm-v2")
	assert.Error(t, err)
}

func TestSimulatedContributeSucceedsDeterministically(t *testing.T) {
	eng := &Simulated{FailureRate: 0, MaxDelay: 0}
	entries, err := eng.Contribute(context.Background(), ContributeParams{RankID: 3})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(3), entries[0].WorkerIndex)
}

func TestSimulatedContributeAlwaysFails(t *testing.T) {
	eng := &Simulated{FailureRate: 100, MaxDelay: 0}
	_, err := eng.Contribute(context.Background(), ContributeParams{})
	assert.Error(t, err)
}

func TestSimulatedProvePreservesWorkerIndexAndAirgroup(t *testing.T) {
	eng := &Simulated{FailureRate: 0, MaxDelay: 0}
	challenges := []coordtypes.ContributionEntry{
		{WorkerIndex: 0, AirgroupID: 7},
		{WorkerIndex: 1, AirgroupID: 9},
	}
	entries, err := eng.Prove(context.Background(), challenges)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(0), entries[0].WorkerIndex)
	assert.Equal(t, uint32(7), entries[0].AirgroupID)
	assert.Equal(t, uint32(1), entries[1].WorkerIndex)
	assert.Equal(t, uint32(9), entries[1].AirgroupID)
}

func TestSimulatedAggregateReturnsNonEmptyProof(t *testing.T) {
	eng := &Simulated{FailureRate: 0, MaxDelay: 0}
	proof, err := eng.Aggregate(context.Background(), AggregateParams{})
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
}

func TestSimulatedWaitRespectsContextCancellation(t *testing.T) {
	eng := &Simulated{FailureRate: 0, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Contribute(ctx, ContributeParams{})
	assert.ErrorIs(t, err, ErrCancelled)
}
