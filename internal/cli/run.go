package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eleven-am/stagecoach/internal/adapters/status"
	"github.com/eleven-am/stagecoach/internal/core"
	"github.com/eleven-am/stagecoach/internal/domain"
)

// RunServer runs the pipeline to a terminal status and prints the final
// summary to stdout. The first value on signals aborts the run; the second
// stops waiting for running stages.
func RunServer(ctx context.Context, opts *ServerOptions, signals <-chan os.Signal, stdout io.Writer) int {
	cfg := opts.Config
	logger := cfg.Logger

	g, err := core.LoadPipeline(ctx, cfg, opts.Vars, opts.Pipelines...)
	if err != nil {
		logger.Error("failed to load pipeline", "error", err)
		return status.ExitFailed
	}

	server, err := core.NewWithConfig(cfg, g, nil)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return status.ExitFailed
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Until Start returns there is no run to abort, so a signal cancels it.
	started := make(chan struct{})
	go func() {
		select {
		case sig, ok := <-signals:
			if ok {
				logger.Warn("signal received during startup, stopping", "signal", sig)
				cancel()
			}
		case <-started:
		}
	}()
	err = server.Start(runCtx)
	close(started)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		return status.ExitFailed
	}
	defer server.Stop()

	go func() {
		aborted := false
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if aborted {
					logger.Warn("second signal, stopping now", "signal", sig)
					cancel()
					return
				}
				aborted = true
				logger.Warn("signal received, aborting run", "signal", sig)
				if err := server.Abort(runCtx); err != nil {
					logger.Error("abort failed", "error", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	snap, err := server.Wait(runCtx)
	switch {
	case errors.Is(err, domain.ErrPipelineAborted):
		logger.Warn("run aborted", "finished", snap.Count(domain.StageFinished), "total", snap.Total)
	case err != nil:
		logger.Error("run did not finish", "error", err)
	}
	if cfg.Server.DryRun {
		fmt.Fprintf(stdout, "dry run: %d stages\n", g.Len())
		if cfg.Server.GraphFile != "" {
			fmt.Fprintf(stdout, "graph written to %s\n", cfg.Server.GraphFile)
		}
		return status.ExitOK
	}
	if rerr := status.Render(stdout, snap, status.RenderOptions{Format: status.FormatText}); rerr != nil {
		logger.Warn("failed to print summary", "error", rerr)
	}
	return status.ExitCode(snap, err)
}

// RunExecutor runs one executor until the pipeline completes or it times
// out.
func RunExecutor(ctx context.Context, opts *ExecutorOptions) int {
	logger := opts.Config.Logger
	reason, err := core.RunExecutor(ctx, opts.Config, opts.Address)
	if err != nil {
		logger.Error("executor failed", "error", err)
		if domain.IsServerUnreachable(err) {
			return status.ExitUnreachable
		}
		return status.ExitFailed
	}
	logger.Info("executor exiting", "reason", reason)
	return status.ExitOK
}

// RunStatus prints one snapshot of the run and maps it to an exit status.
func RunStatus(ctx context.Context, opts *StatusOptions, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	snap, err := core.NewStatusClient(opts.Config, opts.Address).Fetch(ctx, opts.Render.Stages)
	if err != nil {
		if domain.IsServerUnreachable(err) {
			status.RenderUnreachable(stdout, err)
		} else {
			fmt.Fprintln(stderr, err)
		}
		return status.ExitCode(snap, err)
	}
	if err := status.Render(stdout, snap, opts.Render); err != nil {
		fmt.Fprintln(stderr, err)
		return status.ExitFailed
	}
	return status.ExitCode(snap, nil)
}
