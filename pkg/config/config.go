// Package config loads the YAML configuration a node daemon is bootstrapped
// with: cluster liveness parameters, listen addresses, data directory and
// the active scheduling algorithm. It is read once at process start and
// passed down as an explicit context object, rather than kept as global
// mutable state, per the re-expression of "global mutable state" into
// per-component context objects.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerAlgorithm names one of the six pluggable scheduling policies.
type SchedulerAlgorithm string

const (
	AlgorithmRoundRobin    SchedulerAlgorithm = "round_robin"
	AlgorithmPriority      SchedulerAlgorithm = "priority"
	AlgorithmFairShare     SchedulerAlgorithm = "fair_share"
	AlgorithmRealTime      SchedulerAlgorithm = "real_time"
	AlgorithmLoadBalancing SchedulerAlgorithm = "load_balancing"
	AlgorithmAdaptive      SchedulerAlgorithm = "adaptive"
)

// Config is the node daemon's bootstrap configuration.
type Config struct {
	NodeName          string             `yaml:"node_name"`
	DataDir           string             `yaml:"data_dir"`
	BindAddr          string             `yaml:"bind_addr"`
	AgentBindAddr     string             `yaml:"agent_bind_addr"`
	RaftBindAddr      string             `yaml:"raft_bind_addr"`
	JoinAddr          string             `yaml:"join_addr,omitempty"`
	CPUCount          int                `yaml:"cpu_count"`
	MemoryBytes       int64              `yaml:"memory_bytes"`
	StorageBytes      int64              `yaml:"storage_bytes"`
	SchedulerAlgo     SchedulerAlgorithm `yaml:"scheduler_algorithm"`
	BaseQuantum       time.Duration      `yaml:"base_quantum"`
	HeartbeatInterval time.Duration      `yaml:"heartbeat_interval"`
	FailoverTimeout   time.Duration      `yaml:"failover_timeout"`
	Quorum            int                `yaml:"quorum"`
	ReplicationFactor int                `yaml:"replication_factor"`
	HealthInterval    time.Duration      `yaml:"health_check_interval"`
	LogLevel          string             `yaml:"log_level"`
	LogJSON           bool               `yaml:"log_json"`
	MetricsAddr       string             `yaml:"metrics_addr"`
}

// Default returns a single-node-friendly configuration (base quantum
// 10ms, heartbeat interval 2s, failover timeout well above the 3x
// heartbeat floor Validate enforces).
func Default() Config {
	h := 2 * time.Second
	return Config{
		NodeName:          "node-1",
		DataDir:           "./data",
		BindAddr:          "127.0.0.1:7946",
		AgentBindAddr:     "127.0.0.1:7947",
		RaftBindAddr:      "127.0.0.1:7950",
		CPUCount:          4,
		MemoryBytes:       8 << 30,
		StorageBytes:      64 << 30,
		SchedulerAlgo:     AlgorithmAdaptive,
		BaseQuantum:       10 * time.Millisecond,
		HeartbeatInterval: h,
		FailoverTimeout:   6 * h,
		Quorum:            1,
		ReplicationFactor: 1,
		HealthInterval:    10 * time.Second,
		LogLevel:          "info",
		LogJSON:           false,
		MetricsAddr:       "127.0.0.1:9090",
	}
}

// Load reads and parses a YAML config file, filling any unset fields with
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks internal consistency (F >= 3H, as the component design
// for cluster membership requires).
func (c Config) Validate() error {
	if c.FailoverTimeout < 3*c.HeartbeatInterval {
		return fmt.Errorf("failover_timeout (%s) must be >= 3x heartbeat_interval (%s)", c.FailoverTimeout, c.HeartbeatInterval)
	}
	if c.Quorum < 1 {
		return fmt.Errorf("quorum must be >= 1")
	}
	if c.CPUCount < 1 {
		return fmt.Errorf("cpu_count must be >= 1")
	}
	return nil
}
