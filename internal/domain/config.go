package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	RunID   string       `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Log       LogConfig       `json:"log" yaml:"log"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type ServerConfig struct {
	BindAddr      string `json:"bind_addr" yaml:"bind_addr"`
	Port          int    `json:"port" yaml:"port"`
	AdvertiseHost string `json:"advertise_host,omitempty" yaml:"advertise_host,omitempty"`
	URIFile       string `json:"uri_file" yaml:"uri_file"`

	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	HeartbeatGrace     time.Duration `json:"heartbeat_grace" yaml:"heartbeat_grace"`
	SweepInterval      time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	NumExecutors       int           `json:"num_executors" yaml:"num_executors"`
	MaxFailedExecutors int           `json:"max_failed_executors" yaml:"max_failed_executors"`
	LaunchInterval     time.Duration `json:"launch_interval" yaml:"launch_interval"`
	ExecutorStartDelay time.Duration `json:"executor_start_delay" yaml:"executor_start_delay"`
	DisableHeartbeats  bool          `json:"disable_heartbeats" yaml:"disable_heartbeats"`

	DefaultStageCores    int     `json:"default_stage_cores" yaml:"default_stage_cores"`
	DefaultStageMemoryGB float64 `json:"default_stage_memory_gb" yaml:"default_stage_memory_gb"`

	GraphFile        string `json:"graph_file,omitempty" yaml:"graph_file,omitempty"`
	DryRun           bool   `json:"dry_run" yaml:"dry_run"`
	MaxMessageSizeMB int    `json:"max_message_size_mb" yaml:"max_message_size_mb"`
}

type ExecutorConfig struct {
	ServerAddr        string        `json:"server_addr,omitempty" yaml:"server_addr,omitempty"`
	Capacity          Capacity      `json:"capacity" yaml:"capacity"`
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxPollInterval   time.Duration `json:"max_poll_interval" yaml:"max_poll_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	RPCTimeout        time.Duration `json:"rpc_timeout" yaml:"rpc_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	AcceptDeadline    time.Duration `json:"accept_deadline,omitempty" yaml:"accept_deadline,omitempty"`
	LogDir            string        `json:"log_dir" yaml:"log_dir"`
	WorkDir           string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	PrologueFile      string        `json:"prologue_file,omitempty" yaml:"prologue_file,omitempty"`
	Greedy            bool          `json:"greedy" yaml:"greedy"`
}

type QueueType string

const (
	QueueLocal      QueueType = "local"
	QueueSGE        QueueType = "sge"
	QueueKubernetes QueueType = "kubernetes"
)

type QueueConfig struct {
	Type             QueueType        `json:"type" yaml:"type"`
	QueueName        string           `json:"queue_name,omitempty" yaml:"queue_name,omitempty"`
	QueueOpts        string           `json:"queue_opts,omitempty" yaml:"queue_opts,omitempty"`
	WorkerBinary     string           `json:"worker_binary" yaml:"worker_binary"`
	SubmitRate       float64          `json:"submit_rate" yaml:"submit_rate"`
	SubmitBurst      int              `json:"submit_burst" yaml:"submit_burst"`
	BreakerThreshold int              `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration    `json:"breaker_cooldown" yaml:"breaker_cooldown"`
	SGE              SGEConfig        `json:"sge" yaml:"sge"`
	Kubernetes       KubernetesConfig `json:"kubernetes" yaml:"kubernetes"`
}

type SGEConfig struct {
	QsubPath    string `json:"qsub_path" yaml:"qsub_path"`
	QstatPath   string `json:"qstat_path" yaml:"qstat_path"`
	QdelPath    string `json:"qdel_path" yaml:"qdel_path"`
	ParallelEnv string `json:"parallel_env,omitempty" yaml:"parallel_env,omitempty"`
	WallTime    string `json:"wall_time,omitempty" yaml:"wall_time,omitempty"`
}

type KubernetesConfig struct {
	Namespace      string            `json:"namespace" yaml:"namespace"`
	Image          string            `json:"image" yaml:"image"`
	Kubeconfig     string            `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty"`
	ServiceAccount string            `json:"service_account,omitempty" yaml:"service_account,omitempty"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type JournalConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Dir               string        `json:"dir,omitempty" yaml:"dir,omitempty"`
	RetainSnapshots   int           `json:"retain_snapshots" yaml:"retain_snapshots"`
	SnapshotThreshold uint64        `json:"snapshot_threshold" yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `json:"apply_timeout" yaml:"apply_timeout"`
	OpenTimeout       time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

type DiscoveryConfig struct {
	MDNS    bool          `json:"mdns" yaml:"mdns"`
	Service string        `json:"service" yaml:"service"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}
