// Package engine defines the ProverEngine capability: the external
// zk-machine collaborator that actually executes the three compute
// primitives (contribute, prove, aggregate) on a worker. The coordination
// layer never inspects what an engine does internally; it only calls these
// three methods and waits for a Result.
//
// Engine selection happens once, at worker start-up, from configuration
// (see internal/config). There is no runtime hot-swap between engines.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

// ContributeParams carries the Phase-1 task parameters a worker needs to
// run its partial contribution.
type ContributeParams struct {
	BlockID       coordtypes.BlockID
	InputPath     string
	RankID        uint32
	TotalWorkers  uint32
	Partition     coordtypes.Partition
	ComputeUnits  coordtypes.ComputeCapacity
}

// AggregateParams mirrors the original aggregation-parameters struct field
// for field (see SPEC_FULL.md §3): the fields beyond AggProofs are passed
// through to the engine untouched, since their meaning is entirely internal
// to the prover.
type AggregateParams struct {
	AggProofs         []coordtypes.ProveEntry
	LastProof         bool
	FinalProofFlag    bool
	VerifyConstraints bool
	Aggregation       bool
	FinalSnark        bool
	VerifyProofs      bool
	SaveProofs        bool
	TestMode          bool
	OutputDirPath     string
	MinimalMemory     bool
}

// ProverEngine is the three-method external capability. Implementations
// vary (CPU, GPU, ASM-accelerated); all must be safe to cancel via ctx.
type ProverEngine interface {
	Contribute(ctx context.Context, params ContributeParams) ([]coordtypes.ContributionEntry, error)
	Prove(ctx context.Context, challenges []coordtypes.ContributionEntry) ([]coordtypes.ProveEntry, error)
	Aggregate(ctx context.Context, params AggregateParams) ([]byte, error)
}

// ErrCancelled is returned by a Simulated engine call whose context was
// cancelled or timed out before the simulated work completed.
var ErrCancelled = errors.New("engine: computation cancelled")

// Simulated is a ProverEngine that stands in for the real zk-machine in
// tests and local development: it sleeps a short random duration per call
// and fails a configurable fraction of the time, the same simulation shape
// the teacher repository used for its own placeholder task executor.
type Simulated struct {
	// FailureRate is the probability (0..100) that a call reports failure.
	FailureRate int
	// MaxDelay bounds the simulated per-call work duration.
	MaxDelay time.Duration
}

// NewSimulated returns a Simulated engine with the teacher's original
// defaults: up to 500ms of simulated work, a 10% failure rate.
func NewSimulated() *Simulated {
	return &Simulated{FailureRate: 10, MaxDelay: 500 * time.Millisecond}
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.MaxDelay <= 0 {
		return nil
	}
	delay := time.Duration(rand.Int63n(int64(s.MaxDelay)))
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-time.After(delay):
		return nil
	}
}

func (s *Simulated) fails() bool {
	return s.FailureRate > 0 && rand.Intn(100) < s.FailureRate
}

func (s *Simulated) Contribute(ctx context.Context, params ContributeParams) ([]coordtypes.ContributionEntry, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.fails() {
		return nil, errors.New("simulated contribution failure")
	}
	return []coordtypes.ContributionEntry{
		{
			WorkerIndex: params.RankID,
			AirgroupID:  0,
			Challenge:   make([]uint64, 10),
		},
	}, nil
}

func (s *Simulated) Prove(ctx context.Context, challenges []coordtypes.ContributionEntry) ([]coordtypes.ProveEntry, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.fails() {
		return nil, errors.New("simulated prove failure")
	}
	out := make([]coordtypes.ProveEntry, 0, len(challenges))
	for _, c := range challenges {
		out = append(out, coordtypes.ProveEntry{
			AirgroupID:  c.AirgroupID,
			Values:      []uint64{1, 2, 3},
			WorkerIndex: c.WorkerIndex,
		})
	}
	return out, nil
}

func (s *Simulated) Aggregate(ctx context.Context, params AggregateParams) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.fails() {
		return nil, errors.New("simulated aggregate failure")
	}
	return []byte("final-proof:" + time.Now().Format(time.RFC3339Nano)), nil
}

// New selects a ProverEngine implementation by name. "simulated" is the
// only built-in implementation; real CPU/GPU/ASM-backed engines live
// outside this module and would be registered here by name.
func New(name string) (ProverEngine, error) {
	switch name {
	case "", "simulated":
		return NewSimulated(), nil
	default:
		return nil, errors.New("engine: unknown engine " + name)
	}
}
