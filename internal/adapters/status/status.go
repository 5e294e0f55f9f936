// Package status fetches a run snapshot from a pipeline server and renders it
// for humans or scripts.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eleven-am/stagecoach/internal/adapters/rpc"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitUnreachable = 2
)

// Client is a read-only view of a pipeline server.
type Client struct {
	locator ports.Locator
	config  rpc.ClientConfig
	logger  *slog.Logger
}

func NewClient(locator ports.Locator, config rpc.ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{locator: locator, config: config, logger: logger.With("component", "status")}
}

// Fetch resolves the server address and asks it for a snapshot. Any failure
// to reach the server wraps ErrServerUnreachable.
func (c *Client) Fetch(ctx context.Context, includeStages bool) (domain.RunSnapshot, error) {
	addr, err := c.locator.Resolve(ctx)
	if err != nil {
		if domain.IsServerUnreachable(err) {
			return domain.RunSnapshot{}, err
		}
		return domain.RunSnapshot{}, fmt.Errorf("%w: %v", domain.ErrServerUnreachable, err)
	}
	c.logger.Debug("querying server", "address", addr)

	client, err := rpc.Dial(addr, c.config, c.logger)
	if err != nil {
		return domain.RunSnapshot{}, fmt.Errorf("%w: %v", domain.ErrServerUnreachable, err)
	}
	defer client.Close()

	return client.Status(ctx, includeStages)
}

// ExitCode maps a fetch result to the process exit status: 0 while running
// or completed, 1 for failed or aborted runs, 2 when the server could not be
// reached.
func ExitCode(snap domain.RunSnapshot, err error) int {
	if err != nil {
		if errors.Is(err, domain.ErrServerUnreachable) {
			return ExitUnreachable
		}
		return ExitFailed
	}
	switch snap.Status {
	case domain.RunFailed, domain.RunAborted:
		return ExitFailed
	default:
		return ExitOK
	}
}
