// Package jobmanager implements the JobTracker: the per-job state machine
// that accumulates per-worker phase results, fires phase barriers, and
// carries data across the Contributions -> Prove -> Aggregate handoffs.
//
// The allocator has already run (see internal/pool) by the time Create is
// called; the tracker only records the outcome and owns the job's mutation
// from then on. A single mutex serialises every job's mutation, mirroring
// the teacher's job-manager lock discipline, since the tracker is smaller
// and less contended than the pool's worker registry.
package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

var log = slog.Default()

// ErrUnknownJob is returned by any per-job operation on an id the tracker
// has no record of. Callers log and ignore rather than propagate.
var ErrUnknownJob = errors.New("jobmanager: unknown job")

// ErrNotRunning is returned when an operation expects a job to be Running
// in a specific phase but finds it elsewhere (already terminal, or in a
// different phase).
var ErrNotRunning = errors.New("jobmanager: job not running in expected phase")

// Tracker is the JobTracker: JobID -> Job, plus a reverse index from
// worker to its current job for disconnect/unregister handling. A single
// mutex serialises mutation, same discipline as internal/pool.Pool.
type Tracker struct {
	mu        sync.Mutex
	jobs      map[coordtypes.JobID]*coordtypes.Job
	workerJob map[coordtypes.WorkerID]coordtypes.JobID
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:      make(map[coordtypes.JobID]*coordtypes.Job),
		workerJob: make(map[coordtypes.WorkerID]coordtypes.JobID),
	}
}

func (t *Tracker) lock()   { t.mu.Lock() }
func (t *Tracker) unlock() { t.mu.Unlock() }

// Create records the outcome of a completed allocation as a fresh job in
// Running(Contributions). Pure bookkeeping: partitioning already happened.
func (t *Tracker) Create(job coordtypes.Job) error {
	t.lock()
	defer t.unlock()

	if _, exists := t.jobs[job.ID]; exists {
		return fmt.Errorf("jobmanager: job %s already tracked", job.ID)
	}

	job.Status = coordtypes.JobRunning
	job.Phase = coordtypes.PhaseContributions
	job.Results = map[coordtypes.Phase]map[coordtypes.WorkerID]coordtypes.PhaseResult{
		coordtypes.PhaseContributions: {},
	}
	job.CreatedAt = time.Now()

	jobCopy := job
	t.jobs[job.ID] = &jobCopy
	for _, w := range job.Workers {
		t.workerJob[w] = job.ID
	}
	log.Info("job created", "job_id", job.ID, "block_id", job.BlockID, "workers", len(job.Workers))
	return nil
}

// Get returns a shallow copy of a job's current record.
func (t *Tracker) Get(id coordtypes.JobID) (coordtypes.Job, bool) {
	t.lock()
	defer t.unlock()
	j, ok := t.jobs[id]
	if !ok {
		return coordtypes.Job{}, false
	}
	return *j, true
}

// JobForWorker returns the job a worker is currently assigned to, if any.
func (t *Tracker) JobForWorker(id coordtypes.WorkerID) (coordtypes.Job, bool) {
	t.lock()
	defer t.unlock()
	jobID, ok := t.workerJob[id]
	if !ok {
		return coordtypes.Job{}, false
	}
	j, ok := t.jobs[jobID]
	if !ok {
		return coordtypes.Job{}, false
	}
	return *j, true
}

// remove deletes a job and its worker index entries. Caller must hold the lock.
func (t *Tracker) remove(job *coordtypes.Job) {
	delete(t.jobs, job.ID)
	for _, w := range job.Workers {
		if t.workerJob[w] == job.ID {
			delete(t.workerJob, w)
		}
	}
}

// BarrierOutcome reports what RecordResult's phase-barrier check produced.
type BarrierOutcome struct {
	// Fired is true iff the phase barrier resolved: every worker expected
	// to report for Phase has a result, or a duplicate result failed the job.
	Fired bool
	Phase coordtypes.Phase
	// AllSuccess is meaningful only when Fired.
	AllSuccess bool
	// Job is a snapshot taken after the mutation, for the coordinator to
	// act on (dispatch the next phase, or free workers on failure).
	Job coordtypes.Job
}

// RecordResult accumulates one worker's phase result and fires the barrier
// when every worker expected to report has done so (every assigned worker
// for Contributions and Prove, only the aggregator for Aggregate). A
// duplicate result for the same
// worker and phase is a protocol error: it fails the job immediately
// (SPEC_FULL.md §4.3, "Duplicate results ... are a protocol error").
func (t *Tracker) RecordResult(jobID coordtypes.JobID, workerID coordtypes.WorkerID, phase coordtypes.Phase, result coordtypes.PhaseResult) (BarrierOutcome, error) {
	t.lock()
	defer t.unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return BarrierOutcome{}, ErrUnknownJob
	}
	if job.Status != coordtypes.JobRunning || job.Phase != phase {
		return BarrierOutcome{}, ErrNotRunning
	}

	if _, dup := job.Results[phase][workerID]; dup {
		job.Status = coordtypes.JobFailed
		job.FailureReason = fmt.Sprintf("protocol error: duplicate %s result from worker %s", phase, workerID)
		out := BarrierOutcome{Fired: true, Phase: phase, AllSuccess: false, Job: *job}
		t.remove(job)
		log.Warn("duplicate phase result, job failed", "job_id", jobID, "worker_id", workerID, "phase", phase)
		return out, nil
	}

	job.Results[phase][workerID] = result

	expected := expectedReporters(job, phase)
	if len(job.Results[phase]) < len(expected) {
		return BarrierOutcome{Fired: false, Phase: phase}, nil
	}

	// Barrier fires: every worker expected to report for this phase has.
	var failedWorkers []coordtypes.WorkerID
	for _, w := range expected {
		if r := job.Results[phase][w]; !r.Success {
			failedWorkers = append(failedWorkers, w)
		}
	}

	if len(failedWorkers) > 0 {
		job.Status = coordtypes.JobFailed
		job.FailureReason = fmt.Sprintf("phase %s failed for worker(s): %s", phase, joinWorkerIDs(failedWorkers))
		out := BarrierOutcome{Fired: true, Phase: phase, AllSuccess: false, Job: *job}
		t.remove(job)
		log.Warn("phase barrier failed", "job_id", jobID, "phase", phase, "failed_workers", failedWorkers)
		return out, nil
	}

	t.advance(job, phase)
	out := BarrierOutcome{Fired: true, Phase: phase, AllSuccess: true, Job: *job}
	if job.Status == coordtypes.JobCompleted {
		t.remove(job)
	}
	return out, nil
}

// advance carries data across a successful barrier and moves the job to
// its next phase (or Completed, after Aggregate). Caller holds the lock.
func (t *Tracker) advance(job *coordtypes.Job, firedPhase coordtypes.Phase) {
	switch firedPhase {
	case coordtypes.PhaseContributions:
		job.Challenges = concatByRank(job, coordtypes.PhaseContributions, func(r coordtypes.PhaseResult) []coordtypes.ContributionEntry {
			return r.Contribution
		})
		job.Phase = coordtypes.PhaseProve
		job.Results[coordtypes.PhaseProve] = map[coordtypes.WorkerID]coordtypes.PhaseResult{}
		log.Info("barrier fired, advancing to prove", "job_id", job.ID, "challenges", len(job.Challenges))

	case coordtypes.PhaseProve:
		aggregator, _ := selectAggregator(job.Workers)
		var fragments []coordtypes.ProveEntry
		for _, w := range job.Workers {
			if w == aggregator {
				continue // only non-aggregator fragments feed agg_proofs
			}
			fragments = append(fragments, job.Results[coordtypes.PhaseProve][w].Prove...)
		}
		job.AggProofs = fragments
		job.Phase = coordtypes.PhaseAggregate
		job.Results[coordtypes.PhaseAggregate] = map[coordtypes.WorkerID]coordtypes.PhaseResult{}
		log.Info("barrier fired, advancing to aggregate", "job_id", job.ID, "fragments", len(fragments))

	case coordtypes.PhaseAggregate:
		aggregator, _ := selectAggregator(job.Workers)
		job.FinalProof = job.Results[coordtypes.PhaseAggregate][aggregator].FinalProof
		job.Status = coordtypes.JobCompleted
		log.Info("job completed", "job_id", job.ID, "proof_bytes", len(job.FinalProof))
	}
}

// concatByRank concatenates a per-worker slice field across all assigned
// workers, in rank_id order, per SPEC_FULL.md's deterministic tie-break.
func concatByRank(job *coordtypes.Job, phase coordtypes.Phase, field func(coordtypes.PhaseResult) []coordtypes.ContributionEntry) []coordtypes.ContributionEntry {
	var out []coordtypes.ContributionEntry
	for _, w := range job.Workers {
		out = append(out, field(job.Results[phase][w])...)
	}
	return out
}

// expectedReporters returns the set of workers whose result the barrier
// waits on for a given phase. Contributions and Prove are dispatched to
// every assigned worker, but Aggregate is dispatched only to the selected
// aggregator (see startAggregate), so it alone is awaited.
func expectedReporters(job *coordtypes.Job, phase coordtypes.Phase) []coordtypes.WorkerID {
	if phase == coordtypes.PhaseAggregate {
		if aggregator, ok := selectAggregator(job.Workers); ok {
			return []coordtypes.WorkerID{aggregator}
		}
		return nil
	}
	return job.Workers
}

// selectAggregator deterministically picks the rank-0 worker. Kept here
// (rather than imported from internal/pool) to avoid a pool<->jobmanager
// import cycle; both implementations agree: rank-0 is canonical.
func selectAggregator(workers []coordtypes.WorkerID) (coordtypes.WorkerID, bool) {
	if len(workers) == 0 {
		return "", false
	}
	return workers[0], true
}

// Fail marks a job Failed for a reason arising outside the barrier path
// (worker disconnect, transport send failure, unregister mid-job, a
// phase/heartbeat timeout). Returns the job's assigned workers so the
// caller can free them in the pool, and ok=false if the job is unknown or
// already terminal.
func (t *Tracker) Fail(jobID coordtypes.JobID, reason string) (coordtypes.Job, bool) {
	t.lock()
	defer t.unlock()
	job, ok := t.jobs[jobID]
	if !ok || job.Status != coordtypes.JobRunning {
		return coordtypes.Job{}, false
	}
	job.Status = coordtypes.JobFailed
	job.FailureReason = reason
	out := *job
	t.remove(job)
	log.Warn("job failed", "job_id", jobID, "reason", reason)
	return out, true
}

// FailByWorker fails whichever running job a worker is currently assigned
// to, if any. Used by unregister/disconnect handling, which only knows the
// worker id.
func (t *Tracker) FailByWorker(workerID coordtypes.WorkerID, reason string) (coordtypes.Job, bool) {
	t.lock()
	jobID, ok := t.workerJob[workerID]
	t.unlock()
	if !ok {
		return coordtypes.Job{}, false
	}
	return t.Fail(jobID, reason)
}

// ExpiredPhase returns the ids of every Running job whose current phase
// has exceeded its deadline, for the coordinator's timeout sweep.
func (t *Tracker) ExpiredPhase(now time.Time) []coordtypes.JobID {
	t.lock()
	defer t.unlock()
	var out []coordtypes.JobID
	for id, j := range t.jobs {
		if j.Status == coordtypes.JobRunning && !j.PhaseDeadline.IsZero() && now.After(j.PhaseDeadline) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// SetPhaseDeadline records when the job's current phase must complete by.
func (t *Tracker) SetPhaseDeadline(jobID coordtypes.JobID, deadline time.Time) {
	t.lock()
	defer t.unlock()
	if j, ok := t.jobs[jobID]; ok {
		j.PhaseDeadline = deadline
	}
}

// Count returns the number of in-flight jobs.
func (t *Tracker) Count() int {
	t.lock()
	defer t.unlock()
	return len(t.jobs)
}

func joinWorkerIDs(ids []coordtypes.WorkerID) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += string(id)
	}
	return s
}
