// Package config loads the coordinator/worker YAML configuration,
// mirroring the teacher's internal/cli Config struct: a single file with
// a coordinator: block and a worker: block, defaults applied in code so
// an empty or partial file still produces the SPEC_FULL.md §6-mandated
// values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Coordinator holds the coordinator-side configuration (SPEC_FULL.md §6).
type Coordinator struct {
	MaxTotalWorkers           uint32 `yaml:"max_total_workers"`
	MaxConcurrentConnections  uint32 `yaml:"max_concurrent_connections"`
	MessageBufferSize         uint32 `yaml:"message_buffer_size"`
	Phase1TimeoutSeconds      uint64 `yaml:"phase1_timeout_seconds"`
	Phase2TimeoutSeconds      uint64 `yaml:"phase2_timeout_seconds"`
	HeartbeatIntervalSeconds  uint64 `yaml:"heartbeat_interval_seconds"`
	GRPCPort                  uint16 `yaml:"grpc_port"`
	Metrics                   struct {
		Enabled bool   `yaml:"enabled"`
		Port    uint16 `yaml:"port"`
	} `yaml:"metrics"`
}

// Worker holds the worker-side configuration (SPEC_FULL.md §6).
type Worker struct {
	CoordinatorURL           string `yaml:"coordinator_url"`
	WorkerID                 string `yaml:"worker_id"`
	Capacity                 uint64 `yaml:"capacity"`
	ReconnectIntervalSeconds uint64 `yaml:"reconnect_interval_seconds"`
	InputsFolder             string `yaml:"inputs_folder"`
	Engine                   string `yaml:"engine"`
}

// Config is the top-level document: both blocks are always present so a
// single file can drive `run --mode coordinator` or `run --mode worker`.
type Config struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Worker      Worker      `yaml:"worker"`
}

// Default returns the §6-mandated defaults for every field.
func Default() Config {
	var c Config
	c.Coordinator.MaxTotalWorkers = 1000
	c.Coordinator.MaxConcurrentConnections = 500
	c.Coordinator.MessageBufferSize = 1000
	c.Coordinator.Phase1TimeoutSeconds = 300
	c.Coordinator.Phase2TimeoutSeconds = 600
	c.Coordinator.HeartbeatIntervalSeconds = 30
	c.Coordinator.GRPCPort = 50051
	c.Coordinator.Metrics.Enabled = true
	c.Coordinator.Metrics.Port = 9090

	c.Worker.ReconnectIntervalSeconds = 5
	c.Worker.Engine = "simulated"
	return c
}

// Load reads a YAML file at path and overlays it onto Default(), so a
// missing or partial file still yields the mandated defaults. An empty
// path returns Default() untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return applyDefaults(cfg), nil
}

// applyDefaults re-fills any zero-valued field a partial YAML document
// left unset, after unmarshalling overwrote Default()'s zero struct.
func applyDefaults(c Config) Config {
	d := Default()
	if c.Coordinator.MaxTotalWorkers == 0 {
		c.Coordinator.MaxTotalWorkers = d.Coordinator.MaxTotalWorkers
	}
	if c.Coordinator.MaxConcurrentConnections == 0 {
		c.Coordinator.MaxConcurrentConnections = d.Coordinator.MaxConcurrentConnections
	}
	if c.Coordinator.MessageBufferSize == 0 {
		c.Coordinator.MessageBufferSize = d.Coordinator.MessageBufferSize
	}
	if c.Coordinator.Phase1TimeoutSeconds == 0 {
		c.Coordinator.Phase1TimeoutSeconds = d.Coordinator.Phase1TimeoutSeconds
	}
	if c.Coordinator.Phase2TimeoutSeconds == 0 {
		c.Coordinator.Phase2TimeoutSeconds = d.Coordinator.Phase2TimeoutSeconds
	}
	if c.Coordinator.HeartbeatIntervalSeconds == 0 {
		c.Coordinator.HeartbeatIntervalSeconds = d.Coordinator.HeartbeatIntervalSeconds
	}
	if c.Coordinator.GRPCPort == 0 {
		c.Coordinator.GRPCPort = d.Coordinator.GRPCPort
	}
	if c.Coordinator.Metrics.Port == 0 {
		c.Coordinator.Metrics.Port = d.Coordinator.Metrics.Port
	}
	if c.Worker.ReconnectIntervalSeconds == 0 {
		c.Worker.ReconnectIntervalSeconds = d.Worker.ReconnectIntervalSeconds
	}
	if c.Worker.Engine == "" {
		c.Worker.Engine = d.Worker.Engine
	}
	return c
}

// Phase1Timeout is a convenience accessor returning a time.Duration.
func (c Coordinator) Phase1Timeout() time.Duration {
	return time.Duration(c.Phase1TimeoutSeconds) * time.Second
}

// Phase2Timeout is a convenience accessor returning a time.Duration.
func (c Coordinator) Phase2Timeout() time.Duration {
	return time.Duration(c.Phase2TimeoutSeconds) * time.Second
}

// HeartbeatInterval is a convenience accessor returning a time.Duration.
func (c Coordinator) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
