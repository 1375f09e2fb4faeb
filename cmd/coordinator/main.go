// ============================================================================
// Zisk Coordinator - Main Entry Point
// ============================================================================
//
// File: cmd/coordinator/main.go
// Purpose: Application entry point and CLI initialization
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./zisk-coordinator run --mode coordinator --config configs/default.yaml
//   ./zisk-coordinator run --mode worker --config configs/default.yaml
//   ./zisk-coordinator submit --coordinator localhost:50051 --block-id foo --capacity 16
//   ./zisk-coordinator status --coordinator localhost:50051 --job-id job-...
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/zisk-distributed/coordinator/internal/cli"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
