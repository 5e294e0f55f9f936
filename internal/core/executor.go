package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/discovery"
	"github.com/eleven-am/stagecoach/internal/adapters/rpc"
	"github.com/eleven-am/stagecoach/internal/adapters/status"
	"github.com/eleven-am/stagecoach/internal/adapters/worker"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

func clientConfig(config *domain.Config) rpc.ClientConfig {
	cc := rpc.DefaultClientConfig()
	if config.Executor.RPCTimeout > 0 {
		cc.RequestTimeout = config.Executor.RPCTimeout
	}
	if config.Server.MaxMessageSizeMB > 0 {
		cc.MaxMsgSize = config.Server.MaxMessageSizeMB * 1024 * 1024
	}
	return cc
}

// RunExecutor locates the server, then pulls and runs stages until the
// pipeline completes or a deadline ends the executor.
func RunExecutor(ctx context.Context, config *domain.Config, address string) (worker.ExitReason, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	locator := discovery.FromConfig(config, address, logger)
	defer locator.Close()

	addr, err := resolveWithRetry(ctx, locator, config.Executor, logger)
	if err != nil {
		return "", err
	}

	client, err := rpc.Dial(addr, clientConfig(config), logger)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return worker.New(client, worker.ConfigFrom(config.Executor), logger).Run(ctx)
}

// resolveWithRetry keeps looking for the server until idle_timeout passes;
// an executor may be launched before the address is published.
func resolveWithRetry(ctx context.Context, locator ports.Locator, cfg domain.ExecutorConfig, logger *slog.Logger) (string, error) {
	deadline := time.Now().Add(cfg.IdleTimeout)
	wait := cfg.PollInterval
	if wait <= 0 {
		wait = time.Second
	}
	for {
		addr, err := locator.Resolve(ctx)
		if err == nil {
			return addr, nil
		}
		if cfg.IdleTimeout <= 0 || time.Now().After(deadline) {
			return "", err
		}
		logger.Debug("server not found yet", "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		if wait < cfg.MaxPollInterval {
			wait *= 2
		}
	}
}

// NewStatusClient returns a status client that finds the server through
// address, the uri file or mDNS, in that order.
func NewStatusClient(config *domain.Config, address string) *status.Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return status.NewClient(discovery.FromConfig(config, address, logger), clientConfig(config), logger)
}
