package stagecoach

import "github.com/eleven-am/stagecoach/internal/domain"

type Config = domain.Config

type LogConfig = domain.LogConfig

type ServerConfig = domain.ServerConfig

type ExecutorConfig = domain.ExecutorConfig

type QueueConfig = domain.QueueConfig

type QueueType = domain.QueueType

const (
	QueueLocal      QueueType = domain.QueueLocal
	QueueSGE        QueueType = domain.QueueSGE
	QueueKubernetes QueueType = domain.QueueKubernetes
)

type SGEConfig = domain.SGEConfig

type KubernetesConfig = domain.KubernetesConfig

type JournalConfig = domain.JournalConfig

type DiscoveryConfig = domain.DiscoveryConfig

type MetricsConfig = domain.MetricsConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

func DefaultServerConfig() ServerConfig {
	return domain.DefaultServerConfig()
}

func DefaultExecutorConfig() ExecutorConfig {
	return domain.DefaultExecutorConfig()
}

func DefaultQueueConfig() QueueConfig {
	return domain.DefaultQueueConfig()
}

func DefaultJournalConfig() JournalConfig {
	return domain.DefaultJournalConfig()
}

func DefaultDiscoveryConfig() DiscoveryConfig {
	return domain.DefaultDiscoveryConfig()
}

func DefaultMetricsConfig() MetricsConfig {
	return domain.DefaultMetricsConfig()
}
