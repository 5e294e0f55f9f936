package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/eleven-am/stagecoach/internal/adapters/discovery"
	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/journal"
	"github.com/eleven-am/stagecoach/internal/adapters/metrics"
	"github.com/eleven-am/stagecoach/internal/adapters/queue"
	"github.com/eleven-am/stagecoach/internal/adapters/rpc"
	"github.com/eleven-am/stagecoach/internal/adapters/scheduler"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/google/uuid"
)

// Manager owns one pipeline run on the server side: journal, scheduler, RPC
// listener, address publication, executor launching and metrics.
type Manager struct {
	config  *domain.Config
	logger  *slog.Logger
	graph   *graph.Graph
	backend ports.QueueBackend

	journal   *journal.Journal
	scheduler *scheduler.Server
	rpc       *rpc.Server
	locator   ports.Locator
	metrics   *metrics.Server
	address   string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWithConfig validates config and prepares a manager for g. A nil backend
// selects the one named by config.Queue.Type.
func NewWithConfig(config *domain.Config, g *graph.Graph, backend ports.QueueBackend) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if g == nil || g.Len() == 0 {
		return nil, domain.NewValidationError("pipeline", "pipeline has no stages")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}
	logger = logger.With("component", "stagecoach", "run_id", config.RunID)

	if backend == nil && config.Server.NumExecutors > 0 {
		b, err := queue.New(config, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	return &Manager{
		config:  config,
		logger:  logger,
		graph:   g,
		backend: backend,
	}, nil
}

// Start brings the run up. It returns once the server is accepting RPCs and
// its address is published.
func (m *Manager) Start(ctx context.Context) error {
	if m.ctx != nil {
		return domain.ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	var jrnl ports.Journal
	if m.config.Journal.Enabled && !m.config.Server.DryRun {
		j, err := journal.Open(m.ctx, journal.ConfigFrom(m.config), m.logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		m.journal = j
		jrnl = j
	}

	m.scheduler = scheduler.New(scheduler.ConfigFrom(m.config, ports.WorkerCommand{}), m.graph, scheduler.Deps{
		Journal: jrnl,
		Backend: m.backend,
		Logger:  m.logger,
	})

	if !m.config.Server.DryRun {
		m.rpc = rpc.NewServer(m.scheduler, rpc.ServerConfigFrom(m.config.Server), m.logger)
		if err := m.rpc.Start(m.ctx); err != nil {
			m.closeJournal()
			return fmt.Errorf("failed to start rpc server: %w", err)
		}
		m.address = discovery.AdvertiseAddress(m.config.Server.AdvertiseHost, m.config.Server.BindAddr, m.rpc.Port())
		m.scheduler.SetWorker(m.WorkerCommand())

		m.locator = m.publishers()
		if err := m.locator.Publish(m.ctx, m.address); err != nil {
			m.logger.Warn("failed to publish server address", "address", m.address, "error", err)
		}
	}

	if m.config.Metrics.Enabled {
		m.metrics = metrics.NewServer(m.config.Metrics.Address, m.ready, m.logger)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.metrics.Start(m.ctx); err != nil {
				m.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := m.scheduler.Start(m.ctx); err != nil {
		m.Stop()
		return fmt.Errorf("failed to start pipeline server: %w", err)
	}

	m.logger.Info("stagecoach server running", "address", m.address, "stages", m.graph.Len())
	return nil
}

func (m *Manager) publishers() ports.Locator {
	var locators []ports.Locator
	if m.config.Server.URIFile != "" {
		locators = append(locators, discovery.NewURIFile(m.config.Server.URIFile, m.logger))
	}
	if m.config.Discovery.MDNS {
		locators = append(locators, discovery.NewMDNS(m.config.Discovery, m.config.RunID, m.logger))
	}
	return discovery.NewComposite(locators...)
}

// WorkerCommand is the executor invocation the launcher submits. Executors
// on a shared filesystem can follow the uri file; the explicit address covers
// backends such as kubernetes that do not share one.
func (m *Manager) WorkerCommand() ports.WorkerCommand {
	exec := m.config.Executor
	args := []string{m.config.Queue.WorkerBinary, "--run-id", m.config.RunID}
	if m.address != "" {
		args = append(args, "--server", m.address)
	}
	if m.config.Server.URIFile != "" {
		if abs, err := filepath.Abs(m.config.Server.URIFile); err == nil {
			args = append(args, "--uri-file", abs)
		}
	}
	args = append(args,
		"--cores", strconv.Itoa(exec.Capacity.Cores),
		"--memory-gb", strconv.FormatFloat(exec.Capacity.MemoryGB, 'f', -1, 64),
		"--log-format", m.config.Log.Format,
		"--log-level", m.config.Log.Level,
	)
	if exec.LogDir != "" {
		args = append(args, "--log-dir", exec.LogDir)
	}
	if exec.PrologueFile != "" {
		args = append(args, "--prologue-file", exec.PrologueFile)
	}
	return ports.WorkerCommand{
		Args: args,
		Env:  map[string]string{"STAGECOACH_RUN_ID": m.config.RunID},
		Name: m.config.RunID,
	}
}

func (m *Manager) ready() error {
	if m.scheduler == nil {
		return domain.ErrNotStarted
	}
	return nil
}

// Service is the in-process PipelineService, for callers that share the
// server's address space.
func (m *Manager) Service() ports.PipelineService {
	return m.scheduler
}

func (m *Manager) Address() string {
	return m.address
}

func (m *Manager) RunID() string {
	return m.config.RunID
}

// Done is closed once the run reaches a terminal status.
func (m *Manager) Done() <-chan struct{} {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Done()
}

// Wait blocks until the run is terminal or ctx ends, then reports the final
// snapshot. An aborted run returns ErrPipelineAborted with its snapshot.
func (m *Manager) Wait(ctx context.Context) (domain.RunSnapshot, error) {
	if m.scheduler == nil {
		return domain.RunSnapshot{}, domain.ErrNotStarted
	}
	select {
	case <-m.scheduler.Done():
	case <-ctx.Done():
	}
	snap, err := m.scheduler.Status(context.Background(), true)
	if err != nil {
		return snap, err
	}
	if ctx.Err() != nil && !snap.Status.IsTerminal() {
		return snap, ctx.Err()
	}
	if snap.Status == domain.RunAborted {
		return snap, domain.ErrPipelineAborted
	}
	return snap, nil
}

func (m *Manager) Abort(ctx context.Context) error {
	if m.scheduler == nil {
		return domain.ErrNotStarted
	}
	return m.scheduler.Abort(ctx)
}

func (m *Manager) Stop() error {
	var errs []error
	m.stopOnce.Do(func() {
		if m.scheduler != nil {
			m.scheduler.Stop()
		}
		if m.locator != nil {
			if err := m.locator.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if m.rpc != nil {
			m.rpc.Stop()
		}
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		if err := m.closeJournal(); err != nil {
			errs = append(errs, err)
		}
		m.logger.Info("stagecoach server stopped")
	})
	return errors.Join(errs...)
}

func (m *Manager) closeJournal() error {
	if m.journal == nil {
		return nil
	}
	return m.journal.Close()
}
