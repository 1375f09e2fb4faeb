// Package transport defines the wire messages exchanged on the
// coordinator<->worker bidirectional stream, plus the gRPC plumbing that
// carries them. No .proto/.pb.go sources exist anywhere upstream of this
// module, so the messages are hand-written plain Go structs instead of
// protoc-generated types; the JSON codec in codec.go marshals them with
// encoding/json over a real *grpc.Server / *grpc.ClientConn so the
// transport's flow-control and backpressure semantics stay genuine.
package transport

import "github.com/zisk-distributed/coordinator/pkg/coordtypes"

// TaskType names which ProverEngine primitive an ExecuteTask invokes.
type TaskType int

const (
	TaskContribute TaskType = iota
	TaskProve
	TaskAggregate
)

// RegisterRequest opens a worker session for a worker with no known job.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Capacity uint64 `json:"capacity"`
}

// ReconnectRequest opens a worker session for a worker resuming after a
// drop, optionally with a job it was last known to be working on.
type ReconnectRequest struct {
	WorkerID      string `json:"worker_id"`
	Capacity      uint64 `json:"capacity"`
	LastKnownJobID string `json:"last_known_job_id"`
}

// RegisterResponse is the coordinator's reply to Register/Reconnect.
type RegisterResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// PartitionWire is the wire form of coordtypes.Partition.
type PartitionWire struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// ContributeParamsWire carries the Phase-1 task parameters.
type ContributeParamsWire struct {
	BlockID      string        `json:"block_id"`
	InputPath    string        `json:"input_path"`
	RankID       uint32        `json:"rank_id"`
	TotalWorkers uint32        `json:"total_workers"`
	Partition    PartitionWire `json:"partition"`
	ComputeUnits uint64        `json:"compute_units"`
}

// ContributionEntryWire is the wire form of coordtypes.ContributionEntry.
type ContributionEntryWire struct {
	WorkerIndex uint32   `json:"worker_index"`
	AirgroupID  uint32   `json:"airgroup_id"`
	Challenge   []uint64 `json:"challenge"`
}

// ProveParamsWire carries the Phase-2 task parameters.
type ProveParamsWire struct {
	Challenges []ContributionEntryWire `json:"challenges"`
}

// ProveEntryWire is the wire form of coordtypes.ProveEntry.
type ProveEntryWire struct {
	AirgroupID  uint32   `json:"airgroup_id"`
	Values      []uint64 `json:"values"`
	WorkerIndex uint32   `json:"worker_index"`
}

// AggregateParamsWire carries the Phase-3 task parameters. The field list
// mirrors the original aggregation-parameters struct (see SPEC_FULL.md §3
// / §9A) rather than the distilled spec's bare "params".
type AggregateParamsWire struct {
	AggProofs         []ProveEntryWire `json:"agg_proofs"`
	LastProof         bool             `json:"last_proof"`
	FinalProof        bool             `json:"final_proof"`
	VerifyConstraints bool             `json:"verify_constraints"`
	Aggregation       bool             `json:"aggregation"`
	FinalSnark        bool             `json:"final_snark"`
	VerifyProofs      bool             `json:"verify_proofs"`
	SaveProofs        bool             `json:"save_proofs"`
	TestMode          bool             `json:"test_mode"`
	OutputDirPath     string           `json:"output_dir_path"`
	MinimalMemory     bool             `json:"minimal_memory"`
}

// ExecuteTask dispatches one phase's work to a worker. Exactly one of the
// three *Params fields is populated, matching TaskType.
type ExecuteTask struct {
	JobID            string                `json:"job_id"`
	TaskType         TaskType              `json:"task_type"`
	ContributeParams *ContributeParamsWire `json:"contribute_params,omitempty"`
	ProveParams      *ProveParamsWire      `json:"prove_params,omitempty"`
	AggregateParams  *AggregateParamsWire  `json:"aggregate_params,omitempty"`
}

// ExecuteTaskResponse reports the outcome of one ExecuteTask.
type ExecuteTaskResponse struct {
	WorkerID     string           `json:"worker_id"`
	JobID        string           `json:"job_id"`
	TaskType     TaskType         `json:"task_type"`
	Success      bool             `json:"success"`
	Contribution []ContributionEntryWire `json:"contribution,omitempty"`
	Proofs       []ProveEntryWire        `json:"proofs,omitempty"`
	FinalProof   []byte                  `json:"final_proof,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// ErrorMessage is sent by a worker to report an error not tied to a
// specific ExecuteTaskResponse (e.g. a decode failure before dispatch).
type ErrorMessage struct {
	JobID        string `json:"job_id,omitempty"`
	ErrorMessage string `json:"error_message"`
}

// Heartbeat may be sent by either side and is always answered with a
// HeartbeatAck. The worker also sends a HeartbeatAck proactively on its
// own periodic tick.
type Heartbeat struct{}
type HeartbeatAck struct{}

// JobCancelled tells a worker to drop its in-flight computation for a job.
type JobCancelled struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// Shutdown tells a worker the coordinator is going away; the worker should
// sleep the grace period then reconnect.
type Shutdown struct {
	Reason               string `json:"reason"`
	GracePeriodSeconds   uint32 `json:"grace_period_seconds"`
}

// WorkerMessage is the tagged union of every message a worker may send.
// Exactly one field is populated per message, mirroring a protobuf oneof.
type WorkerMessage struct {
	Register            *RegisterRequest     `json:"register,omitempty"`
	Reconnect           *ReconnectRequest    `json:"reconnect,omitempty"`
	ExecuteTaskResponse *ExecuteTaskResponse `json:"execute_task_response,omitempty"`
	Error               *ErrorMessage        `json:"error,omitempty"`
	Heartbeat           *Heartbeat           `json:"heartbeat,omitempty"`
	HeartbeatAck        *HeartbeatAck        `json:"heartbeat_ack,omitempty"`
}

// CoordinatorMessage is the tagged union of every message the coordinator
// may send to a worker.
type CoordinatorMessage struct {
	RegisterResponse *RegisterResponse `json:"register_response,omitempty"`
	ExecuteTask      *ExecuteTask      `json:"execute_task,omitempty"`
	JobCancelled     *JobCancelled     `json:"job_cancelled,omitempty"`
	Heartbeat        *Heartbeat        `json:"heartbeat,omitempty"`
	HeartbeatAck     *HeartbeatAck     `json:"heartbeat_ack,omitempty"`
	Shutdown         *Shutdown         `json:"shutdown,omitempty"`
}

// --- conversions between wire messages and coordtypes ---

func PartitionToWire(p coordtypes.Partition) PartitionWire {
	return PartitionWire{Offset: uint64(p.Offset), Length: uint64(p.Length)}
}

func ContributionToWire(c coordtypes.ContributionEntry) ContributionEntryWire {
	return ContributionEntryWire{WorkerIndex: c.WorkerIndex, AirgroupID: c.AirgroupID, Challenge: c.Challenge}
}

func ContributionFromWire(c ContributionEntryWire) coordtypes.ContributionEntry {
	return coordtypes.ContributionEntry{WorkerIndex: c.WorkerIndex, AirgroupID: c.AirgroupID, Challenge: c.Challenge}
}

func ProveEntryToWire(p coordtypes.ProveEntry) ProveEntryWire {
	return ProveEntryWire{AirgroupID: p.AirgroupID, Values: p.Values, WorkerIndex: p.WorkerIndex}
}

func ProveEntryFromWire(p ProveEntryWire) coordtypes.ProveEntry {
	return coordtypes.ProveEntry{AirgroupID: p.AirgroupID, Values: p.Values, WorkerIndex: p.WorkerIndex}
}
