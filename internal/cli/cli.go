// ============================================================================
// Zisk Coordinator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides a user-friendly command line interface based on the
// Cobra framework.
//
// Command Structure:
//   zisk-coordinator                         # Root command
//   ├── run                                  # Start coordinator or worker
//   │   ├── --mode, -m   coordinator|worker
//   │   └── --config, -c config file path
//   ├── submit                                # Submit a proof job
//   │   ├── --coordinator (host:port)
//   │   ├── --block-id
//   │   ├── --capacity
//   │   └── --input-path
//   └── status                                # Poll a job's status
//       ├── --coordinator (host:port)
//       └── --job-id
//
// run Command:
//   --mode coordinator starts the gRPC server, the Coordinator's background
//   sweeps, and (if configured) the Prometheus metrics server. --mode worker
//   starts the worker client loop instead: it dials the coordinator and
//   serves ExecuteTask dispatches against a local ProverEngine.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zisk-distributed/coordinator/internal/config"
	"github.com/zisk-distributed/coordinator/internal/controller"
	"github.com/zisk-distributed/coordinator/internal/metrics"
	"github.com/zisk-distributed/coordinator/internal/pool"
	"github.com/zisk-distributed/coordinator/internal/server"
	"github.com/zisk-distributed/coordinator/internal/transport"
	"github.com/zisk-distributed/coordinator/internal/workerclient"
)

var log = slog.Default()

// BuildCLI assembles the full zisk-coordinator command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zisk-coordinator",
		Short: "Distributed coordinator/worker runtime for zk-proof generation",
		Long: `zisk-coordinator drives a three-phase (Contributions, Prove, Aggregate)
zero-knowledge proof pipeline across a pool of workers connected over gRPC.`,
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator or a worker",
		Long:  "Start the system in coordinator or worker mode, reading settings from --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case "coordinator":
				return runCoordinator(configPath)
			case "worker":
				return runWorker(configPath)
			default:
				return fmt.Errorf("unknown --mode %q (want coordinator or worker)", mode)
			}
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "coordinator", "Run mode: coordinator or worker")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file path")
	return cmd
}

func runCoordinator(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cc := cfg.Coordinator

	collector := metrics.NewCollector()

	coord := controller.New(
		pool.Config{MaxTotalWorkers: cc.MaxTotalWorkers},
		controller.Config{
			Phase1Timeout:     cc.Phase1Timeout(),
			Phase2Timeout:     cc.Phase2Timeout(),
			HeartbeatInterval: cc.HeartbeatInterval(),
			HeartbeatTimeout:  3 * cc.HeartbeatInterval(),
		},
		collector,
	)
	coord.Start()
	defer coord.Stop()

	if cc.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", "port", cc.Metrics.Port)
			if err := metrics.StartServer(cc.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cc.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on grpc_port %d: %w", cc.GRPCPort, err)
	}

	grpcServer := grpc.NewServer()
	srv := server.NewServer(coord, int(cc.MessageBufferSize))
	transport.RegisterZkCoordinatorServiceServer(grpcServer, srv)

	log.Info("coordinator listening", "grpc_port", cc.GRPCPort)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, stopping gracefully")
	grpcServer.GracefulStop()
	return nil
}

func runWorker(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	wc := cfg.Worker

	client, err := workerclient.New(workerclient.Config{
		CoordinatorURL:           wc.CoordinatorURL,
		WorkerID:                 wc.WorkerID,
		Capacity:                 wc.Capacity,
		ReconnectIntervalSeconds: wc.ReconnectIntervalSeconds,
		InputsFolder:             wc.InputsFolder,
		Engine:                   wc.Engine,
	})
	if err != nil {
		return fmt.Errorf("create worker client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, stopping worker")
		cancel()
	}()

	err = client.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func buildSubmitCommand() *cobra.Command {
	var coordinatorAddr, blockID, inputPath string
	var capacity uint64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proof job to a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(coordinatorAddr,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithDefaultCallOptions(grpc.CallContentSubtype(transport.CodecName)),
			)
			if err != nil {
				return fmt.Errorf("dial coordinator: %w", err)
			}
			defer conn.Close()

			client := transport.NewZkCoordinatorServiceClient(conn)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			resp, err := client.StartProof(ctx, &transport.StartProofRequest{
				BlockID:   blockID,
				Capacity:  capacity,
				InputPath: inputPath,
			})
			if err != nil {
				return fmt.Errorf("start_proof rpc failed: %w", err)
			}
			if resp.ErrorMessage != "" {
				return fmt.Errorf("coordinator rejected job: %s", resp.ErrorMessage)
			}
			fmt.Printf("job submitted: %s\n", resp.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "localhost:50051", "coordinator address")
	cmd.Flags().StringVar(&blockID, "block-id", "", "block to prove")
	cmd.Flags().Uint64Var(&capacity, "capacity", 0, "total compute units required")
	cmd.Flags().StringVar(&inputPath, "input-path", "", "input path for the proof")
	cmd.MarkFlagRequired("block-id")
	cmd.MarkFlagRequired("capacity")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var coordinatorAddr, jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Poll a proof job's status from a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(coordinatorAddr,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithDefaultCallOptions(grpc.CallContentSubtype(transport.CodecName)),
			)
			if err != nil {
				return fmt.Errorf("dial coordinator: %w", err)
			}
			defer conn.Close()

			client := transport.NewZkCoordinatorServiceClient(conn)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			resp, err := client.JobStatus(ctx, &transport.JobStatusRequest{JobID: jobID})
			if err != nil {
				return fmt.Errorf("job_status rpc failed: %w", err)
			}

			fmt.Printf("job %s: state=%s phase=%s\n", jobID, resp.State, resp.Phase)
			if resp.FailureReason != "" {
				fmt.Printf("  failure_reason: %s\n", resp.FailureReason)
			}
			if len(resp.FinalProof) > 0 {
				fmt.Printf("  final_proof: %d bytes\n", len(resp.FinalProof))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "localhost:50051", "coordinator address")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job to query")
	cmd.MarkFlagRequired("job-id")
	return cmd
}
