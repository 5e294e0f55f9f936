// Package worker is the executor side of the pipeline: it registers with the
// server, pulls stages, runs them as child processes and reports back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

type Config struct {
	Capacity          domain.Capacity
	Host              string
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout ends the executor after this long without an assignment.
	IdleTimeout time.Duration
	// AcceptDeadline stops requesting new stages this long after start.
	AcceptDeadline time.Duration
	LogDir         string
	WorkDir        string
	// PrologueFile is sourced by /bin/sh before every stage command.
	PrologueFile string
}

func ConfigFrom(cfg domain.ExecutorConfig) Config {
	host, _ := os.Hostname()
	return Config{
		Capacity:          cfg.Capacity,
		Host:              host,
		PollInterval:      cfg.PollInterval,
		MaxPollInterval:   cfg.MaxPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		AcceptDeadline:    cfg.AcceptDeadline,
		LogDir:            cfg.LogDir,
		WorkDir:           cfg.WorkDir,
		PrologueFile:      cfg.PrologueFile,
	}
}

// ExitReason says why Run returned without error.
type ExitReason string

const (
	ExitPipelineComplete ExitReason = "pipeline_complete"
	ExitIdle             ExitReason = "idle_timeout"
	ExitAcceptDeadline   ExitReason = "accept_deadline"
)

// Executor runs one stage at a time. The server binds a single stage to each
// executor record, so capacity is only used to filter what is offered.
type Executor struct {
	cfg    Config
	svc    ports.PipelineService
	runner *processRunner
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	id        string
	idLogger  *slog.Logger
	completed int
	failed    int
}

func New(svc ports.PipelineService, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	logger = logger.With("component", "executor")
	return &Executor{
		cfg:    cfg,
		svc:    svc,
		runner: &processRunner{logDir: cfg.LogDir, workDir: cfg.WorkDir, prologue: cfg.PrologueFile, logger: logger},
		logger: logger,
		now:    time.Now,
	}
}

func (e *Executor) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Stats returns the number of stages reported as succeeded and failed.
func (e *Executor) Stats() (completed, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed, e.failed
}

// Run drives the request/run/report loop until the pipeline completes, a
// deadline is hit or ctx is cancelled.
func (e *Executor) Run(ctx context.Context) (ExitReason, error) {
	started := e.now()
	if err := e.register(ctx); err != nil {
		return "", err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(hbCtx)

	poll := newBackoff(e.cfg.PollInterval, e.cfg.MaxPollInterval)
	idleSince := e.now()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if e.cfg.AcceptDeadline > 0 && e.now().Sub(started) >= e.cfg.AcceptDeadline {
			e.log().Info("accept deadline reached, exiting", "deadline", e.cfg.AcceptDeadline)
			return ExitAcceptDeadline, nil
		}
		if e.cfg.IdleTimeout > 0 && e.now().Sub(idleSince) >= e.cfg.IdleTimeout {
			e.log().Info("idle timeout reached, exiting", "idle_timeout", e.cfg.IdleTimeout)
			return ExitIdle, nil
		}

		work, err := e.svc.RequestStage(ctx, e.ID())
		if err != nil {
			if domain.IsUnknownExecutor(err) {
				if err := e.reregister(ctx); err != nil {
					return "", err
				}
				continue
			}
			e.log().Warn("stage request failed", "error", err)
			if err := sleep(ctx, poll.next()); err != nil {
				return "", err
			}
			continue
		}

		switch work.Kind {
		case ports.WorkComplete:
			completed, failed := e.Stats()
			e.log().Info("pipeline complete, exiting", "completed", completed, "failed", failed)
			return ExitPipelineComplete, nil
		case ports.WorkNone:
			if err := sleep(ctx, poll.next()); err != nil {
				return "", err
			}
		case ports.WorkAssigned:
			if work.Assignment == nil {
				return "", domain.NewInternalError("assignment missing from response", nil)
			}
			poll.reset()
			if err := e.execute(ctx, *work.Assignment); err != nil {
				return "", err
			}
			idleSince = e.now()
		}
	}
}

func (e *Executor) log() *slog.Logger {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idLogger == nil {
		return e.logger
	}
	return e.idLogger
}

func (e *Executor) register(ctx context.Context) error {
	poll := newBackoff(e.cfg.PollInterval, e.cfg.MaxPollInterval)
	started := e.now()
	for {
		id, err := e.svc.RegisterExecutor(ctx, ports.RegisterRequest{Capacity: e.cfg.Capacity, Host: e.cfg.Host})
		if err == nil {
			e.mu.Lock()
			e.id = id
			e.idLogger = e.logger.With("executor_id", id)
			e.mu.Unlock()
			e.log().Info("registered with server", "cores", e.cfg.Capacity.Cores, "memory_gb", e.cfg.Capacity.MemoryGB)
			return nil
		}
		if domain.IsCapacity(err) {
			return err
		}
		if e.cfg.IdleTimeout > 0 && e.now().Sub(started) >= e.cfg.IdleTimeout {
			return fmt.Errorf("register executor: %w: %v", domain.ErrServerUnreachable, err)
		}
		e.log().Warn("registration failed, retrying", "error", err)
		if err := sleep(ctx, poll.next()); err != nil {
			return fmt.Errorf("register executor: %w", err)
		}
	}
}

func (e *Executor) reregister(ctx context.Context) error {
	e.log().Warn("server no longer knows this executor, registering again")
	return e.register(ctx)
}

func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.svc.Heartbeat(ctx, e.ID()); err != nil && ctx.Err() == nil {
				e.log().Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// execute runs one assignment and reports its outcome. Only ctx
// cancellation is returned as an error; rejected reports are logged.
func (e *Executor) execute(ctx context.Context, a ports.Assignment) error {
	id := e.ID()
	logger := e.log().With("stage_id", a.StageID, "stage", a.Name, "attempt", a.Attempt)

	if err := e.svc.StageStarted(ctx, id, a.StageID); err != nil {
		switch {
		case domain.IsStaleAssignment(err):
			logger.Warn("assignment withdrawn before start", "error", err)
			return nil
		case domain.IsUnknownExecutor(err):
			return e.reregister(ctx)
		default:
			logger.Warn("failed to mark stage started, running anyway", "error", err)
		}
	}

	logger.Info("running stage", "command", a.Command)
	outcome := e.runner.run(ctx, a)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if outcome.Success {
		logger.Info("stage succeeded", "outputs", len(outcome.Outputs))
	} else {
		logger.Warn("stage failed", "exit_code", outcome.ExitCode, "message", outcome.Message)
	}
	return e.report(ctx, a, outcome, logger)
}

func (e *Executor) report(ctx context.Context, a ports.Assignment, outcome ports.Outcome, logger *slog.Logger) error {
	retry := newBackoff(e.cfg.PollInterval, e.cfg.MaxPollInterval)
	for {
		err := e.svc.ReportResult(ctx, e.ID(), a.StageID, outcome)
		switch {
		case err == nil:
			e.mu.Lock()
			if outcome.Success {
				e.completed++
			} else {
				e.failed++
			}
			e.mu.Unlock()
			return nil
		case domain.IsStaleAssignment(err):
			logger.Warn("result rejected as stale", "error", err)
			return nil
		case domain.IsUnknownExecutor(err):
			logger.Warn("result dropped, executor was reclaimed", "error", err)
			return e.reregister(ctx)
		}
		logger.Warn("failed to report result, retrying", "error", err)
		if err := sleep(ctx, retry.next()); err != nil {
			return err
		}
	}
}

type backoff struct {
	min, max, cur time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max, cur: min}
}

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.cur = b.min
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
