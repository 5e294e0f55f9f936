package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		DataDir:   ".stagecoach",
		Log:       DefaultLogConfig(),
		Server:    DefaultServerConfig(),
		Executor:  DefaultExecutorConfig(),
		Queue:     DefaultQueueConfig(),
		Journal:   DefaultJournalConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:             "0.0.0.0",
		Port:                 0,
		URIFile:              "uri",
		MaxRetries:           2,
		HeartbeatGrace:       60 * time.Second,
		SweepInterval:        5 * time.Second,
		NumExecutors:         1,
		MaxFailedExecutors:   2,
		LaunchInterval:       10 * time.Second,
		DefaultStageCores:    1,
		DefaultStageMemoryGB: 1.75,
		MaxMessageSizeMB:     4,
	}
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Capacity:          Capacity{Cores: 1, MemoryGB: 6},
		PollInterval:      time.Second,
		MaxPollInterval:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		RPCTimeout:        10 * time.Second,
		IdleTimeout:       time.Minute,
		LogDir:            "logs",
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Type:             QueueLocal,
		WorkerBinary:     "stagecoach-executor",
		SubmitRate:       1,
		SubmitBurst:      4,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		SGE: SGEConfig{
			QsubPath:  "qsub",
			QstatPath: "qstat",
			QdelPath:  "qdel",
		},
		Kubernetes: KubernetesConfig{
			Namespace: "default",
		},
	}
}

func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:           true,
		RetainSnapshots:   2,
		SnapshotThreshold: 1024,
		ApplyTimeout:      5 * time.Second,
		OpenTimeout:       30 * time.Second,
	}
}

func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Service: "_stagecoach._tcp",
		Timeout: 3 * time.Second,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Address: ":9464"}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// ApplyOverrides merges the non-zero fields of overrides onto cfg.
func (c *Config) ApplyOverrides(overrides Config) error {
	overrides.Logger = nil
	if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config overrides: %w", err)
	}
	return nil
}

func (c *Config) JournalDir() string {
	if c.Journal.Dir != "" {
		return c.Journal.Dir
	}
	return filepath.Join(c.DataDir, "journal")
}

func (c *Config) Validate() error {
	switch {
	case c.Server.MaxRetries < 0:
		return fmt.Errorf("%w: server.max_retries must be >= 0", ErrInvalidConfig)
	case c.Server.HeartbeatGrace <= 0:
		return fmt.Errorf("%w: server.heartbeat_grace must be positive", ErrInvalidConfig)
	case c.Server.SweepInterval <= 0:
		return fmt.Errorf("%w: server.sweep_interval must be positive", ErrInvalidConfig)
	case c.Server.NumExecutors < 0:
		return fmt.Errorf("%w: server.num_executors must be >= 0", ErrInvalidConfig)
	case c.Executor.PollInterval <= 0:
		return fmt.Errorf("%w: executor.poll_interval must be positive", ErrInvalidConfig)
	case c.Executor.MaxPollInterval < c.Executor.PollInterval:
		return fmt.Errorf("%w: executor.max_poll_interval must be >= poll_interval", ErrInvalidConfig)
	case c.Executor.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: executor.heartbeat_interval must be positive", ErrInvalidConfig)
	case c.Executor.HeartbeatInterval >= c.Server.HeartbeatGrace:
		return fmt.Errorf("%w: executor.heartbeat_interval must be shorter than server.heartbeat_grace", ErrInvalidConfig)
	}

	switch c.Queue.Type {
	case QueueLocal, QueueSGE, QueueKubernetes:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownQueueType, c.Queue.Type)
	}
	if c.Queue.Type == QueueKubernetes && c.Queue.Kubernetes.Image == "" {
		return fmt.Errorf("%w: queue.kubernetes.image is required", ErrInvalidConfig)
	}
	return c.Executor.Capacity.Validate()
}
