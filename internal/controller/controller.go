// Package controller implements the Coordinator: the public entry point
// that accepts proof requests, drives phase transitions across the workers
// assigned to a job, arbitrates partial failure, and emits the final
// proof. It is the "brain" that wires together internal/pool (worker
// registry + allocator) and internal/jobmanager (per-job barrier state),
// the same top-level role the teacher's own Controller played over its
// JobManager/WAL/Snapshot/WorkerPool stack -- minus the persistence, which
// SPEC_FULL.md §6 rules out for this protocol ("Persisted state: None").
package controller

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zisk-distributed/coordinator/internal/jobmanager"
	"github.com/zisk-distributed/coordinator/internal/pool"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

var log = slog.Default()

// Config bounds the coordinator's phase/heartbeat timing (SPEC_FULL.md §6).
type Config struct {
	Phase1Timeout     time.Duration
	Phase2Timeout     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns the coordination-contract defaults.
func DefaultConfig() Config {
	return Config{
		Phase1Timeout:     300 * time.Second,
		Phase2Timeout:     600 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// MetricsSink receives coordinator observations for export (Prometheus, in
// internal/metrics). Kept as a small interface so the coordinator never
// imports the metrics package directly.
type MetricsSink interface {
	RecordJobStarted()
	RecordJobCompleted(phase1, phase2, phase3 time.Duration)
	RecordJobFailed(reason string)
	SetWorkerGauges(idle, computing, total int)
}

// phaseTimestamps tracks when each phase began for a single job, so
// RecordJobCompleted can report real per-phase durations instead of the
// job's total wall-clock time.
type phaseTimestamps struct {
	contributions time.Time
	prove         time.Time
	aggregate     time.Time
}

type noopSink struct{}

func (noopSink) RecordJobStarted()                                      {}
func (noopSink) RecordJobCompleted(phase1, phase2, phase3 time.Duration) {}
func (noopSink) RecordJobFailed(reason string)                          {}
func (noopSink) SetWorkerGauges(idle, computing, total int)             {}

// Coordinator is the public entry point of the coordination layer.
type Coordinator struct {
	pool    *pool.Pool
	tracker *jobmanager.Tracker
	config  Config
	metrics MetricsSink

	jobStart   sync.Map // coordtypes.JobID -> time.Time, for latency metrics
	phaseStart sync.Map // coordtypes.JobID -> *phaseTimestamps, per-phase start times for RecordJobCompleted

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	loopWg  sync.WaitGroup
}

// New creates a Coordinator over a fresh pool and tracker.
func New(poolConfig pool.Config, config Config, metrics MetricsSink) *Coordinator {
	if metrics == nil {
		metrics = noopSink{}
	}
	return &Coordinator{
		pool:    pool.NewPool(poolConfig),
		tracker: jobmanager.NewTracker(),
		config:  config,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the coordinator's background sweeps (heartbeat expiry,
// phase deadline expiry). Mirrors the teacher's timeoutLoop pattern,
// generalised to scan job phase deadlines and worker heartbeats instead of
// per-task retry deadlines.
func (c *Coordinator) Start() {
	c.loopWg.Add(2)
	go c.heartbeatSweepLoop()
	go c.phaseTimeoutSweepLoop()
	log.Info("coordinator started",
		"phase1_timeout", c.config.Phase1Timeout,
		"phase2_timeout", c.config.Phase2Timeout,
		"heartbeat_timeout", c.config.HeartbeatTimeout)
}

// Stop signals the sweeps to exit and waits for them to return. Jobs still
// in flight are not failed, and their workers are not freed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.loopWg.Wait()
	log.Info("coordinator stopped")
}

// Pool exposes the underlying worker registry for transport-layer wiring
// (the gRPC server needs it to hand sessions their send endpoint).
func (c *Coordinator) Pool() *pool.Pool { return c.pool }

func newJobID() coordtypes.JobID {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return coordtypes.JobID("job-" + hex.EncodeToString(b[:]))
}

// RegisterWorker admits a worker with no known prior job (the wire
// Register message). Delegates to the pool; see pool.Register for the
// admission rules.
func (c *Coordinator) RegisterWorker(id coordtypes.WorkerID, capacity coordtypes.ComputeCapacity, send chan<- *transport.CoordinatorMessage) error {
	_, err := c.pool.Register(id, capacity, send)
	return err
}

// ReconnectWorker admits a worker that claims a prior job. If the job is
// still known to the tracker the worker resumes under its existing
// assignment; otherwise reconnect degrades to a fresh registration, per
// SPEC_FULL.md §6 ("the coordinator rejects reconnect if the job is
// unknown, treated as fresh register").
func (c *Coordinator) ReconnectWorker(id coordtypes.WorkerID, capacity coordtypes.ComputeCapacity, lastKnownJobID coordtypes.JobID, send chan<- *transport.CoordinatorMessage) (bool, error) {
	_, err := c.pool.Reconnect(id, capacity, send)
	if err != nil {
		return false, err
	}
	if lastKnownJobID == "" {
		return false, nil
	}
	job, ok := c.tracker.Get(lastKnownJobID)
	if !ok || job.RankOf(id) < 0 {
		return false, nil
	}
	_ = c.pool.MarkWithState(id, coordtypes.Computing(job.Phase))
	return true, nil
}

// UnregisterWorker removes a worker's live registration. If it was
// assigned to an in-progress job, that job is immediately failed.
func (c *Coordinator) UnregisterWorker(id coordtypes.WorkerID) {
	c.failWorkerJob(id, fmt.Sprintf("worker %s disconnected", id))
	c.pool.Unregister(id)
}

// HandleDisconnect is called by a WorkerSession when its stream breaks.
// Unlike UnregisterWorker, the registration is kept (marked Disconnected)
// so a subsequent Reconnect can find it; only the in-flight job is failed.
func (c *Coordinator) HandleDisconnect(id coordtypes.WorkerID) {
	c.failWorkerJob(id, fmt.Sprintf("worker %s disconnected", id))
	_ = c.pool.MarkWithState(id, coordtypes.Disconnected())
}

func (c *Coordinator) failWorkerJob(id coordtypes.WorkerID, reason string) {
	job, ok := c.tracker.FailByWorker(id, reason)
	if !ok {
		return
	}
	c.pool.Free(job.Workers)
	c.jobStart.Delete(job.ID)
	c.phaseStart.Delete(job.ID)
	c.metrics.RecordJobFailed(reason)
	c.notifyWorkersFailed(job, reason)
}

// StartProof allocates capacity, creates the job, and dispatches the
// initial Contribute task to every assigned worker. Allocation failures
// (InvalidRequest, InsufficientCapacity) are returned synchronously;
// everything after that point is absorbed into an async job failure.
func (c *Coordinator) StartProof(blockID coordtypes.BlockID, capacity coordtypes.ComputeCapacity, inputPath string) (coordtypes.JobID, error) {
	if capacity == 0 {
		return "", coordtypes.NewError(coordtypes.ErrInvalidRequest, "compute_capacity must be > 0")
	}

	workers, partitions, err := c.pool.PartitionAndAllocateByCapacity(capacity)
	if err != nil {
		return "", coordtypes.NewError(coordtypes.ErrInsufficientCapacity, err.Error())
	}

	jobID := newJobID()
	job := coordtypes.Job{
		ID:           jobID,
		BlockID:      blockID,
		InputPath:    inputPath,
		ComputeUnits: capacity,
		Workers:      workers,
		Partitions:   partitions,
	}
	if err := c.tracker.Create(job); err != nil {
		c.pool.Free(workers)
		return "", coordtypes.NewError(coordtypes.ErrInternal, err.Error())
	}
	c.tracker.SetPhaseDeadline(jobID, time.Now().Add(c.config.Phase1Timeout))
	now := time.Now()
	c.jobStart.Store(jobID, now)
	c.phaseStart.Store(jobID, &phaseTimestamps{contributions: now})
	c.metrics.RecordJobStarted()

	for rank, workerID := range workers {
		task := &transport.ExecuteTask{
			JobID:    string(jobID),
			TaskType: transport.TaskContribute,
			ContributeParams: &transport.ContributeParamsWire{
				BlockID:      string(blockID),
				InputPath:    inputPath,
				RankID:       uint32(rank),
				TotalWorkers: uint32(len(workers)),
				Partition:    transport.PartitionToWire(partitions[rank]),
				ComputeUnits: uint64(partitions[rank].Length),
			},
		}
		if !c.dispatch(workerID, &transport.CoordinatorMessage{ExecuteTask: task}) {
			c.failJob(jobID, fmt.Sprintf("send to worker %s failed", workerID))
			break
		}
	}

	return jobID, nil
}

// dispatch performs a non-blocking send to a worker's outbound channel,
// the original source's try_send pattern: a full buffer, or a worker with
// no send endpoint, is a Transport failure, never a suspension point
// (SPEC_FULL.md §5, §9A).
func (c *Coordinator) dispatch(workerID coordtypes.WorkerID, msg *transport.CoordinatorMessage) bool {
	w, ok := c.pool.Get(workerID)
	if !ok || w.Send == nil {
		log.Error("dispatch to unknown or closed worker", "worker_id", workerID)
		return false
	}
	select {
	case w.Send <- msg:
		return true
	default:
		log.Error("dispatch failed: outbound buffer full", "worker_id", workerID)
		return false
	}
}

// HandleWorkerMessage refreshes the worker's heartbeat then dispatches the
// message payload per SPEC_FULL.md §4.4.
func (c *Coordinator) HandleWorkerMessage(workerID coordtypes.WorkerID, msg *transport.WorkerMessage) {
	c.pool.Touch(workerID)

	switch {
	case msg.ExecuteTaskResponse != nil:
		c.handleTaskResponse(workerID, msg.ExecuteTaskResponse)
	case msg.Error != nil:
		if msg.Error.JobID != "" {
			c.failJob(coordtypes.JobID(msg.Error.JobID), "worker error: "+msg.Error.ErrorMessage)
		} else {
			log.Warn("worker reported error with no job context", "worker_id", workerID, "error", msg.Error.ErrorMessage)
		}
	case msg.Heartbeat != nil:
		c.dispatch(workerID, &transport.CoordinatorMessage{HeartbeatAck: &transport.HeartbeatAck{}})
	case msg.HeartbeatAck != nil:
		// absorbed silently; Touch above already recorded liveness.
	default:
		log.Warn("empty or unrecognised worker message", "worker_id", workerID)
	}
}

func (c *Coordinator) handleTaskResponse(workerID coordtypes.WorkerID, resp *transport.ExecuteTaskResponse) {
	jobID := coordtypes.JobID(resp.JobID)
	phase := taskTypeToPhase(resp.TaskType)

	result := coordtypes.PhaseResult{Success: resp.Success, Error: resp.ErrorMessage}
	switch resp.TaskType {
	case transport.TaskContribute:
		for _, e := range resp.Contribution {
			result.Contribution = append(result.Contribution, transport.ContributionFromWire(e))
		}
	case transport.TaskProve:
		for _, e := range resp.Proofs {
			result.Prove = append(result.Prove, transport.ProveEntryFromWire(e))
		}
	case transport.TaskAggregate:
		result.FinalProof = resp.FinalProof
	}

	outcome, err := c.tracker.RecordResult(jobID, workerID, phase, result)
	if err == jobmanager.ErrUnknownJob {
		log.Warn("response for unknown job ignored", "job_id", jobID, "worker_id", workerID)
		return
	}
	if err != nil {
		log.Warn("response rejected", "job_id", jobID, "worker_id", workerID, "error", err)
		return
	}
	c.processBarrier(outcome)
}

func taskTypeToPhase(t transport.TaskType) coordtypes.Phase {
	switch t {
	case transport.TaskContribute:
		return coordtypes.PhaseContributions
	case transport.TaskProve:
		return coordtypes.PhaseProve
	default:
		return coordtypes.PhaseAggregate
	}
}

// processBarrier reacts to a fired (or job-failing) barrier outcome:
// advances the job to the next phase, fails it, or completes it.
func (c *Coordinator) processBarrier(outcome jobmanager.BarrierOutcome) {
	if !outcome.Fired {
		return
	}
	job := outcome.Job

	if !outcome.AllSuccess {
		c.pool.Free(job.Workers)
		c.jobStart.Delete(job.ID)
		c.phaseStart.Delete(job.ID)
		c.metrics.RecordJobFailed(job.FailureReason)
		c.notifyWorkersFailed(job, job.FailureReason)
		return
	}

	switch job.Status {
	case coordtypes.JobCompleted:
		c.pool.Free(job.Workers)
		c.jobStart.Delete(job.ID)
		c.metrics.RecordJobCompleted(c.takePhaseDurations(job.ID))
		log.Info("job completed, final proof ready", "job_id", job.ID, "proof_bytes", len(job.FinalProof))
		return
	case coordtypes.JobRunning:
		switch job.Phase {
		case coordtypes.PhaseProve:
			c.startProve(job)
		case coordtypes.PhaseAggregate:
			c.startAggregate(job)
		}
	}
}

// takePhaseDurations computes elapsed time for each phase of a completed
// job from its recorded start timestamps and removes the bookkeeping
// entry. Missing timestamps (should not happen for a job that went
// through StartProof) report a zero duration for that phase rather than
// a negative one.
func (c *Coordinator) takePhaseDurations(jobID coordtypes.JobID) (phase1, phase2, phase3 time.Duration) {
	defer c.phaseStart.Delete(jobID)

	v, ok := c.phaseStart.Load(jobID)
	if !ok {
		return 0, 0, 0
	}
	ts := v.(*phaseTimestamps)
	now := time.Now()

	if !ts.prove.IsZero() {
		phase1 = ts.prove.Sub(ts.contributions)
	}
	if !ts.aggregate.IsZero() {
		if !ts.prove.IsZero() {
			phase2 = ts.aggregate.Sub(ts.prove)
		}
		phase3 = now.Sub(ts.aggregate)
	}
	return phase1, phase2, phase3
}

// startProve marks every job worker Computing(Prove) and dispatches a
// Prove task (carrying the concatenated challenges) to each of them.
func (c *Coordinator) startProve(job coordtypes.Job) {
	for _, w := range job.Workers {
		if err := c.pool.MarkWithState(w, coordtypes.Computing(coordtypes.PhaseProve), coordtypes.WorkerComputing); err != nil {
			c.failJob(job.ID, fmt.Sprintf("state transition failed for worker %s: %v", w, err))
			return
		}
	}
	c.tracker.SetPhaseDeadline(job.ID, time.Now().Add(c.config.Phase2Timeout))
	if v, ok := c.phaseStart.Load(job.ID); ok {
		v.(*phaseTimestamps).prove = time.Now()
	}

	var wire []transport.ContributionEntryWire
	for _, ch := range job.Challenges {
		wire = append(wire, transport.ContributionToWire(ch))
	}
	task := &transport.ExecuteTask{
		JobID:       string(job.ID),
		TaskType:    transport.TaskProve,
		ProveParams: &transport.ProveParamsWire{Challenges: wire},
	}
	for _, w := range job.Workers {
		if !c.dispatch(w, &transport.CoordinatorMessage{ExecuteTask: task}) {
			c.failJob(job.ID, fmt.Sprintf("send to worker %s failed", w))
			return
		}
	}
}

// startAggregate marks every job worker Computing(Aggregate) (per the
// universal state invariant, even though only the designated aggregator
// actually computes) and dispatches the single Aggregate task.
func (c *Coordinator) startAggregate(job coordtypes.Job) {
	aggregator, ok := pool.SelectAggWorker(job.Workers)
	if !ok {
		c.failJob(job.ID, "no workers to select an aggregator from")
		return
	}
	for _, w := range job.Workers {
		if err := c.pool.MarkWithState(w, coordtypes.Computing(coordtypes.PhaseAggregate), coordtypes.WorkerComputing); err != nil {
			c.failJob(job.ID, fmt.Sprintf("state transition failed for worker %s: %v", w, err))
			return
		}
	}
	if v, ok := c.phaseStart.Load(job.ID); ok {
		v.(*phaseTimestamps).aggregate = time.Now()
	}

	var wire []transport.ProveEntryWire
	for _, p := range job.AggProofs {
		wire = append(wire, transport.ProveEntryToWire(p))
	}
	task := &transport.ExecuteTask{
		JobID:    string(job.ID),
		TaskType: transport.TaskAggregate,
		AggregateParams: &transport.AggregateParamsWire{
			AggProofs:  wire,
			FinalProof: true,
			LastProof:  true,
		},
	}
	if !c.dispatch(aggregator, &transport.CoordinatorMessage{ExecuteTask: task}) {
		c.failJob(job.ID, fmt.Sprintf("send to aggregator %s failed", aggregator))
	}
}

// failJob fails a still-running job directly (not via a barrier), e.g. a
// dispatch-time transport error or a timeout.
func (c *Coordinator) failJob(jobID coordtypes.JobID, reason string) {
	job, ok := c.tracker.Fail(jobID, reason)
	if !ok {
		return
	}
	c.pool.Free(job.Workers)
	c.jobStart.Delete(job.ID)
	c.phaseStart.Delete(job.ID)
	c.metrics.RecordJobFailed(reason)
	c.notifyWorkersFailed(job, reason)
}

// CancelJob is the client-facing cancel operation; it maps directly onto
// failJob and additionally tells every assigned worker to drop its
// in-flight computation.
func (c *Coordinator) CancelJob(jobID coordtypes.JobID, reason string) bool {
	job, ok := c.tracker.Get(jobID)
	if !ok {
		return false
	}
	c.notifyWorkersFailed(job, reason)
	_, ok = c.tracker.Fail(jobID, reason)
	if ok {
		c.pool.Free(job.Workers)
		c.jobStart.Delete(job.ID)
		c.phaseStart.Delete(job.ID)
		c.metrics.RecordJobFailed(reason)
	}
	return true
}

func (c *Coordinator) notifyWorkersFailed(job coordtypes.Job, reason string) {
	msg := &transport.CoordinatorMessage{JobCancelled: &transport.JobCancelled{JobID: string(job.ID), Reason: reason}}
	for _, w := range job.Workers {
		c.dispatch(w, msg)
	}
}

// JobStatus reports a job's externally-visible state for client polling.
type JobStatusView struct {
	Found         bool
	Status        coordtypes.JobStatus
	Phase         coordtypes.Phase
	FinalProof    []byte
	FailureReason string
}

func (c *Coordinator) JobStatus(jobID coordtypes.JobID) JobStatusView {
	job, ok := c.tracker.Get(jobID)
	if !ok {
		return JobStatusView{Found: false}
	}
	return JobStatusView{
		Found:         true,
		Status:        job.Status,
		Phase:         job.Phase,
		FinalProof:    job.FinalProof,
		FailureReason: job.FailureReason,
	}
}

func (c *Coordinator) heartbeatSweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, id := range c.pool.ExpiredHeartbeats(c.config.HeartbeatTimeout) {
				log.Warn("heartbeat expired, disconnecting worker", "worker_id", id)
				c.HandleDisconnect(id)
			}
			idle, computing, total := c.pool.StateCounts()
			c.metrics.SetWorkerGauges(idle, computing, total)
		}
	}
}

func (c *Coordinator) phaseTimeoutSweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, jobID := range c.tracker.ExpiredPhase(time.Now()) {
				job, ok := c.tracker.Get(jobID)
				phase := coordtypes.PhaseContributions
				if ok {
					phase = job.Phase
				}
				c.failJob(jobID, fmt.Sprintf("phase %s deadline exceeded", phase))
			}
		}
	}
}
