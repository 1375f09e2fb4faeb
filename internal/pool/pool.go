// ============================================================================
// Worker Pool - Registry, State Machine, and Partition Allocator
// ============================================================================
//
// Package: internal/pool
// File: pool.go
// Purpose: Tracks every live worker registration and its state, and
// answers capacity-aware partition-allocation requests for start_proof.
//
// Responsibilities:
//   - Admission: register/unregister, rejecting duplicates and capacity
//     overflow.
//   - State tracking: Idle/Computing(phase)/Error/Disconnected, with gated
//     transitions (mark_with_state checks the source state).
//   - Allocation: partition_and_allocate_by_capacity selects a deterministic
//     subset of Idle workers covering a requested compute_units total, and
//     reserves them atomically (rolling back on partial failure).
//
// Concurrency Safety:
//   - A single sync.RWMutex protects the worker map; allocation holds the
//     write lock for its full selection+reservation pass since the pool
//     must not observe a torn reservation.
//
// ============================================================================

package pool

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

// Worker is a live registration held by the pool.
type Worker struct {
	ID            coordtypes.WorkerID
	Capacity      coordtypes.ComputeCapacity
	State         coordtypes.WorkerState
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	// Send is the per-worker outbound bounded channel. Owned logically by
	// the pool; the worker's session reads the paired receive side.
	Send chan<- *transport.CoordinatorMessage
}

var log = slog.Default()

// ErrAlreadyRegistered is returned by Register when worker_id is already live.
var ErrAlreadyRegistered = errors.New("pool: worker already registered")

// ErrCapacityExhausted is returned by Register when the pool is full.
var ErrCapacityExhausted = errors.New("pool: max_total_workers reached")

// ErrUnknownWorker is returned by any per-worker operation on an id the
// pool has no live registration for.
var ErrUnknownWorker = errors.New("pool: unknown worker")

// ErrInvalidTransition is returned by MarkWithState when the worker's
// current state does not permit the requested transition.
var ErrInvalidTransition = errors.New("pool: invalid state transition")

// ErrInsufficientCapacity is returned by PartitionAndAllocateByCapacity
// when the pool's Idle workers cannot cover the requested compute_units.
var ErrInsufficientCapacity = errors.New("pool: insufficient capacity")

// Config bounds pool admission (SPEC_FULL.md §6, Configuration (coordinator)).
type Config struct {
	MaxTotalWorkers uint32
}

// DefaultConfig returns the coordination-contract defaults.
func DefaultConfig() Config {
	return Config{MaxTotalWorkers: 1000}
}

// Pool is the concurrent worker registry and allocator.
type Pool struct {
	mu      sync.RWMutex
	workers map[coordtypes.WorkerID]*Worker
	config  Config
}

// NewPool creates an empty pool bounded by config.
func NewPool(config Config) *Pool {
	if config.MaxTotalWorkers == 0 {
		config = DefaultConfig()
	}
	return &Pool{
		workers: make(map[coordtypes.WorkerID]*Worker),
		config:  config,
	}
}

// Register admits a new worker in the Idle state.
//
// Fails with ErrAlreadyRegistered if id is already live, and with
// ErrCapacityExhausted if the pool is at max_total_workers.
func (p *Pool) Register(id coordtypes.WorkerID, capacity coordtypes.ComputeCapacity, send chan<- *transport.CoordinatorMessage) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	if uint32(len(p.workers)) >= p.config.MaxTotalWorkers {
		return nil, ErrCapacityExhausted
	}

	now := time.Now()
	w := &Worker{
		ID:            id,
		Capacity:      capacity,
		State:         coordtypes.Idle(),
		LastHeartbeat: now,
		RegisteredAt:  now,
		Send:          send,
	}
	p.workers[id] = w
	log.Info("worker registered", "worker_id", id, "capacity", capacity)
	return w, nil
}

// Reconnect admits a worker that claims a prior registration. If the
// worker's entry is still present (most recently left Disconnected by a
// dropped session), its capacity and send endpoint are refreshed in
// place and it returns to Idle, preserving its identity rather than
// colliding with ErrAlreadyRegistered. If no entry is present, Reconnect
// behaves exactly like Register.
func (p *Pool) Reconnect(id coordtypes.WorkerID, capacity coordtypes.ComputeCapacity, send chan<- *transport.CoordinatorMessage) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if w, exists := p.workers[id]; exists {
		w.Capacity = capacity
		w.Send = send
		w.State = coordtypes.Idle()
		w.LastHeartbeat = now
		log.Info("worker reconnected", "worker_id", id, "capacity", capacity)
		return w, nil
	}

	if uint32(len(p.workers)) >= p.config.MaxTotalWorkers {
		return nil, ErrCapacityExhausted
	}
	w := &Worker{
		ID:            id,
		Capacity:      capacity,
		State:         coordtypes.Idle(),
		LastHeartbeat: now,
		RegisteredAt:  now,
		Send:          send,
	}
	p.workers[id] = w
	log.Info("worker registered via reconnect", "worker_id", id, "capacity", capacity)
	return w, nil
}

// Unregister drops a worker's live registration entirely (session closed).
// It does not touch any job the worker may have been assigned to; callers
// (the coordinator) are responsible for failing that job first.
func (p *Pool) Unregister(id coordtypes.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
	log.Info("worker unregistered", "worker_id", id)
}

// Get returns a shallow copy of a worker's current record.
func (p *Pool) Get(id coordtypes.WorkerID) (Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// Touch refreshes a worker's last_heartbeat to now. Called on every
// inbound message from the worker, not only on HeartbeatAck.
func (p *Pool) Touch(id coordtypes.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		w.LastHeartbeat = time.Now()
	}
}

// MarkWithState transitions a worker's state, gated on its current state
// matching one of froms (empty froms means "any state").
func (p *Pool) MarkWithState(id coordtypes.WorkerID, to coordtypes.WorkerState, froms ...coordtypes.WorkerStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if len(froms) > 0 && !statusIn(w.State.Status, froms) {
		return ErrInvalidTransition
	}
	w.State = to
	return nil
}

func statusIn(s coordtypes.WorkerStatus, set []coordtypes.WorkerStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// ExpiredHeartbeats returns the ids of every live worker whose
// last_heartbeat is older than timeout.
func (p *Pool) ExpiredHeartbeats(timeout time.Duration) []coordtypes.WorkerID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	var out []coordtypes.WorkerID
	for id, w := range p.workers {
		if now.Sub(w.LastHeartbeat) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// PartitionAndAllocateByCapacity selects a deterministic subset of Idle
// workers whose summed capacity covers required, computes a disjoint
// partition map over [0, required), and reserves every selected worker
// (Idle -> Computing(Contributions)) before returning.
//
// Selection policy: greedy by descending capacity, tie-broken by worker_id
// lexicographic order. The last selected worker may be under-used: its
// partition length is the residual, not its full capacity.
//
// Fails with ErrInsufficientCapacity, leaving the pool unchanged, when the
// Idle pool cannot cover required. If reservation of any selected worker
// fails partway through (another caller raced it out of Idle), every
// reservation made so far in this call is rolled back and the error
// propagates.
func (p *Pool) PartitionAndAllocateByCapacity(required coordtypes.ComputeCapacity) ([]coordtypes.WorkerID, []coordtypes.Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if required == 0 {
		return nil, nil, ErrInsufficientCapacity
	}

	idle := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.State.Status == coordtypes.WorkerIdle {
			idle = append(idle, w)
		}
	}

	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Capacity != idle[j].Capacity {
			return idle[i].Capacity > idle[j].Capacity
		}
		return idle[i].ID < idle[j].ID
	})

	var selected []*Worker
	var sum coordtypes.ComputeCapacity
	for _, w := range idle {
		if sum >= required {
			break
		}
		selected = append(selected, w)
		sum += w.Capacity
	}

	if sum < required {
		return nil, nil, ErrInsufficientCapacity
	}

	workers := make([]coordtypes.WorkerID, len(selected))
	partitions := make([]coordtypes.Partition, len(selected))
	var offset coordtypes.ComputeCapacity
	for i, w := range selected {
		remaining := required - offset
		length := w.Capacity
		if length > remaining {
			length = remaining
		}
		workers[i] = w.ID
		partitions[i] = coordtypes.Partition{Offset: offset, Length: length}
		offset += length
	}

	// Reserve every selected worker, rolling back on first failure.
	reserved := make([]*Worker, 0, len(selected))
	for _, w := range selected {
		if w.State.Status != coordtypes.WorkerIdle {
			for _, r := range reserved {
				r.State = coordtypes.Idle()
			}
			return nil, nil, ErrInvalidTransition
		}
		w.State = coordtypes.Computing(coordtypes.PhaseContributions)
		reserved = append(reserved, w)
	}

	log.Info("allocated partition", "required", required, "worker_count", len(workers))
	return workers, partitions, nil
}

// SelectAggWorker returns the worker designated to run the Aggregate
// phase for a job: deterministically the rank-0 worker. See SPEC_FULL.md
// §9 for why multi-aggregator tree reduction is not implemented.
func SelectAggWorker(workers []coordtypes.WorkerID) (coordtypes.WorkerID, bool) {
	if len(workers) == 0 {
		return "", false
	}
	return workers[0], true
}

// Free returns every listed worker to Idle, regardless of its current
// state. Used by the tracker/coordinator on job completion or failure.
func (p *Pool) Free(ids []coordtypes.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if w, ok := p.workers[id]; ok {
			w.State = coordtypes.Idle()
		}
	}
}

// Count returns the number of live registrations.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// StateCounts returns the number of Idle, Computing, and total live
// workers, for the coordinator's worker-pool gauges.
func (p *Pool) StateCounts() (idle, computing, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		switch w.State.Status {
		case coordtypes.WorkerIdle:
			idle++
		case coordtypes.WorkerComputing:
			computing++
		}
	}
	return idle, computing, len(p.workers)
}
