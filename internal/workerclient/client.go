// Package workerclient is the worker-side counterpart to the coordinator:
// it connects to a ZkCoordinatorService, runs the Register/Reconnect
// handshake, and then loops forever handling ExecuteTask dispatches
// against a local engine.ProverEngine, reporting results, acking
// heartbeats, and honouring cancellation and shutdown. This is the "other
// end" of internal/session's WorkerSession -- out of the coordination
// core's line-count budget (SPEC_FULL.md §2), but required for the system
// to be an actually runnable two-sided protocol.
package workerclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zisk-distributed/coordinator/internal/engine"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/pkg/coordtypes"
)

var log = slog.Default()

// Config configures the worker client (SPEC_FULL.md §6, Configuration (worker)).
type Config struct {
	CoordinatorURL           string
	WorkerID                 string
	Capacity                 uint64
	ReconnectIntervalSeconds uint64
	InputsFolder             string
	Engine                   string
}

// DefaultConfig fills in the spec's worker-side defaults beyond the
// required identity fields.
func DefaultConfig() Config {
	return Config{ReconnectIntervalSeconds: 5, Engine: "simulated"}
}

// Client is one worker's connection loop.
type Client struct {
	config Config
	eng    engine.ProverEngine

	lastJobID string
}

// New builds a client using the configured ProverEngine implementation.
func New(config Config) (*Client, error) {
	eng, err := engine.New(config.Engine)
	if err != nil {
		return nil, err
	}
	return &Client{config: config, eng: eng}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting after each
// dropped stream per config.ReconnectIntervalSeconds.
func (c *Client) Run(ctx context.Context) error {
	interval := time.Duration(c.config.ReconnectIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runOnce(ctx); err != nil {
			log.Warn("session ended, reconnecting", "worker_id", c.config.WorkerID, "error", err, "retry_in", interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, err := grpc.NewClient(c.config.CoordinatorURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(transport.CodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer conn.Close()

	client := transport.NewZkCoordinatorServiceClient(conn)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := client.WorkerStream(streamCtx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := c.handshake(stream); err != nil {
		return err
	}

	return c.serve(streamCtx, stream)
}

func (c *Client) handshake(stream transport.WorkerStreamClient) error {
	var open *transport.WorkerMessage
	if c.lastJobID != "" {
		open = &transport.WorkerMessage{Reconnect: &transport.ReconnectRequest{
			WorkerID: c.config.WorkerID, Capacity: c.config.Capacity, LastKnownJobID: c.lastJobID,
		}}
	} else {
		open = &transport.WorkerMessage{Register: &transport.RegisterRequest{
			WorkerID: c.config.WorkerID, Capacity: c.config.Capacity,
		}}
	}
	if err := stream.Send(open); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("recv register response: %w", err)
	}
	if resp.RegisterResponse == nil {
		return errors.New("expected RegisterResponse as first coordinator message")
	}
	if !resp.RegisterResponse.Accepted {
		return fmt.Errorf("registration rejected: %s", resp.RegisterResponse.Message)
	}
	log.Info("registered with coordinator", "worker_id", c.config.WorkerID, "message", resp.RegisterResponse.Message)
	return nil
}

// taskResult is posted internally once an async engine computation
// finishes, so the serve loop's select can stay non-blocking on it.
type taskResult struct {
	jobID    string
	taskType transport.TaskType
	resp     *transport.ExecuteTaskResponse
}

func (c *Client) serve(ctx context.Context, stream transport.WorkerStreamClient) error {
	inbound := make(chan *transport.CoordinatorMessage)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				close(inbound)
				return
			}
			inbound <- msg
		}
	}()

	results := make(chan taskResult, 1)
	var cancelCurrent context.CancelFunc
	var currentJobID string

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			if cancelCurrent != nil {
				cancelCurrent()
			}
			return ctx.Err()

		case err := <-recvErr:
			if cancelCurrent != nil {
				cancelCurrent()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case msg, ok := <-inbound:
			if !ok {
				continue
			}
			switch {
			case msg.ExecuteTask != nil:
				if cancelCurrent != nil {
					cancelCurrent()
				}
				taskCtx, cancel := context.WithCancel(ctx)
				cancelCurrent = cancel
				currentJobID = msg.ExecuteTask.JobID
				c.lastJobID = currentJobID
				go c.runTask(taskCtx, msg.ExecuteTask, results)

			case msg.JobCancelled != nil:
				if msg.JobCancelled.JobID == currentJobID && cancelCurrent != nil {
					cancelCurrent()
				}

			case msg.Heartbeat != nil:
				_ = stream.Send(&transport.WorkerMessage{HeartbeatAck: &transport.HeartbeatAck{}})

			case msg.HeartbeatAck != nil:
				// absorbed silently; the stream itself is the liveness signal.

			case msg.Shutdown != nil:
				if cancelCurrent != nil {
					cancelCurrent()
				}
				time.Sleep(time.Duration(msg.Shutdown.GracePeriodSeconds) * time.Second)
				return fmt.Errorf("coordinator shutdown: %s", msg.Shutdown.Reason)
			}

		case res := <-results:
			res.resp.WorkerID = c.config.WorkerID
			if err := stream.Send(&transport.WorkerMessage{ExecuteTaskResponse: res.resp}); err != nil {
				return fmt.Errorf("send task response: %w", err)
			}
			if res.taskType == transport.TaskAggregate && res.resp.Success {
				c.lastJobID = ""
			}

		case <-heartbeat.C:
			_ = stream.Send(&transport.WorkerMessage{HeartbeatAck: &transport.HeartbeatAck{}})
		}
	}
}

// runTask validates input paths, invokes the ProverEngine, and posts the
// outcome. Runs on its own goroutine so the serve loop stays responsive
// to cancellation and heartbeats while the engine computes.
func (c *Client) runTask(ctx context.Context, task *transport.ExecuteTask, results chan<- taskResult) {
	resp := &transport.ExecuteTaskResponse{JobID: task.JobID, TaskType: task.TaskType}

	switch task.TaskType {
	case transport.TaskContribute:
		params := task.ContributeParams
		if params == nil {
			resp.ErrorMessage = "missing contribute_params"
			results <- taskResult{resp: resp, taskType: task.TaskType}
			return
		}
		if err := c.validateInputPath(ctx, params.InputPath); err != nil {
			resp.ErrorMessage = err.Error()
			results <- taskResult{resp: resp, taskType: task.TaskType}
			return
		}
		entries, err := c.eng.Contribute(ctx, engine.ContributeParams{
			BlockID:      coordtypes.BlockID(params.BlockID),
			InputPath:    params.InputPath,
			RankID:       params.RankID,
			TotalWorkers: params.TotalWorkers,
			Partition: coordtypes.Partition{
				Offset: coordtypes.ComputeCapacity(params.Partition.Offset),
				Length: coordtypes.ComputeCapacity(params.Partition.Length),
			},
			ComputeUnits: coordtypes.ComputeCapacity(params.ComputeUnits),
		})
		if err != nil {
			resp.ErrorMessage = err.Error()
		} else {
			resp.Success = true
			for _, e := range entries {
				resp.Contribution = append(resp.Contribution, transport.ContributionToWire(e))
			}
		}

	case transport.TaskProve:
		params := task.ProveParams
		var challenges []coordtypes.ContributionEntry
		if params != nil {
			for _, ch := range params.Challenges {
				challenges = append(challenges, transport.ContributionFromWire(ch))
			}
		}
		entries, err := c.eng.Prove(ctx, challenges)
		if err != nil {
			resp.ErrorMessage = err.Error()
		} else {
			resp.Success = true
			for _, e := range entries {
				resp.Proofs = append(resp.Proofs, transport.ProveEntryToWire(e))
			}
		}

	case transport.TaskAggregate:
		params := task.AggregateParams
		var fragments []coordtypes.ProveEntry
		aggParams := engine.AggregateParams{}
		if params != nil {
			for _, p := range params.AggProofs {
				fragments = append(fragments, transport.ProveEntryFromWire(p))
			}
			aggParams = engine.AggregateParams{
				AggProofs:         fragments,
				LastProof:         params.LastProof,
				FinalProofFlag:    params.FinalProof,
				VerifyConstraints: params.VerifyConstraints,
				Aggregation:       params.Aggregation,
				FinalSnark:        params.FinalSnark,
				VerifyProofs:      params.VerifyProofs,
				SaveProofs:        params.SaveProofs,
				TestMode:          params.TestMode,
				OutputDirPath:     params.OutputDirPath,
				MinimalMemory:     params.MinimalMemory,
			}
		}
		proof, err := c.eng.Aggregate(ctx, aggParams)
		if err != nil {
			resp.ErrorMessage = err.Error()
		} else {
			resp.Success = true
			resp.FinalProof = proof
		}
	}

	results <- taskResult{jobID: task.JobID, taskType: task.TaskType, resp: resp}
}

// validateInputPath waits up to 60s for the path to materialise on disk,
// then requires it sit under InputsFolder after canonicalisation
// (SPEC_FULL.md §4.1 / §9A, carried from the original source's
// validate_subdir).
func (c *Client) validateInputPath(ctx context.Context, path string) error {
	if c.config.InputsFolder == "" {
		return nil
	}
	deadline := time.Now().Add(60 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("input path %q did not materialise within 60s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	root, err := filepath.Abs(c.config.InputsFolder)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return fmt.Errorf("input path %q escapes inputs_folder %q", path, root)
	}
	return nil
}
