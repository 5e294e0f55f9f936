// Package scheduler implements the pipeline server: the single authority over
// stage state, the executor registry, and the background sweeper and
// launcher.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/metrics"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/google/uuid"
)

type Config struct {
	RunID              string
	HeartbeatGrace     time.Duration
	SweepInterval      time.Duration
	DisableHeartbeats  bool
	NumExecutors       int
	MaxFailedExecutors int
	LaunchInterval     time.Duration
	ExecutorStartDelay time.Duration
	DryRun             bool
	GraphFile          string
	// Greedy submits executors with their full memory capacity.
	Greedy bool

	// Worker is the command the launcher submits to start one executor.
	Worker          ports.WorkerCommand
	WorkerResources ports.ResourceSpec
}

func ConfigFrom(cfg *domain.Config, worker ports.WorkerCommand) Config {
	spec := ports.ResourceSpecFor(cfg.Executor.Capacity, cfg.Queue.QueueName)
	spec.WallTime = cfg.Queue.SGE.WallTime
	return Config{
		RunID:              cfg.RunID,
		HeartbeatGrace:     cfg.Server.HeartbeatGrace,
		SweepInterval:      cfg.Server.SweepInterval,
		DisableHeartbeats:  cfg.Server.DisableHeartbeats,
		NumExecutors:       cfg.Server.NumExecutors,
		MaxFailedExecutors: cfg.Server.MaxFailedExecutors,
		LaunchInterval:     cfg.Server.LaunchInterval,
		ExecutorStartDelay: cfg.Server.ExecutorStartDelay,
		DryRun:             cfg.Server.DryRun,
		GraphFile:          cfg.Server.GraphFile,
		Greedy:             cfg.Executor.Greedy,
		Worker:             worker,
		WorkerResources:    spec,
	}
}

// Deps are the collaborators of a Server. Journal and Backend are optional:
// without a journal nothing survives a restart, without a backend executors
// must be started by hand.
type Deps struct {
	Journal ports.Journal
	Backend ports.QueueBackend
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	journal ports.Journal
	backend ports.QueueBackend
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	graph     *graph.Graph
	executors map[string]*domain.ExecutorRecord

	aborting  atomic.Bool
	stranded  atomic.Bool
	startedAt time.Time
	done      chan struct{}
	doneOnce  sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.PipelineService = (*Server)(nil)

func New(cfg Config, g *graph.Graph, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.LaunchInterval <= 0 {
		cfg.LaunchInterval = 10 * time.Second
	}

	return &Server{
		cfg:       cfg,
		journal:   deps.Journal,
		backend:   deps.Backend,
		logger:    logger.With("component", "pipeline-server", "run_id", cfg.RunID),
		now:       now,
		graph:     g,
		executors: make(map[string]*domain.ExecutorRecord),
		startedAt: now(),
		done:      make(chan struct{}),
	}
}

// Start replays the journal, exports the graph if requested and launches the
// sweeper and launcher. It does not block.
func (s *Server) Start(ctx context.Context) error {
	if s.cancel != nil {
		return domain.ErrAlreadyStarted
	}

	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := s.writeGraph(); err != nil {
		s.logger.Warn("failed to write graph file", "path", s.cfg.GraphFile, "error", err)
	}

	s.mu.Lock()
	counts := s.graph.Counts()
	total := s.graph.Len()
	s.mu.Unlock()
	metrics.ObserveCounts(counts)

	if s.cfg.DryRun {
		s.logger.Info("dry run, not executing",
			"stages", total,
			"runnable", counts[domain.StageRunnable],
			"finished", counts[domain.StageFinished])
		s.finish()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("pipeline server started",
		"stages", total,
		"runnable", counts[domain.StageRunnable],
		"finished", counts[domain.StageFinished])

	s.mu.Lock()
	s.checkDoneLocked()
	s.mu.Unlock()

	if !s.cfg.DisableHeartbeats {
		s.wg.Add(1)
		go s.runSweeper(runCtx)
	}
	if s.backend != nil && s.cfg.NumExecutors > 0 {
		s.wg.Add(1)
		go s.runLauncher(runCtx)
	}
	return nil
}

// Stop halts background loops. In-memory state stays readable.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.writeGraph(); err != nil {
		s.logger.Warn("failed to write graph file", "path", s.cfg.GraphFile, "error", err)
	}
}

// SetWorker replaces the command the launcher submits. It must be called
// before Start; the address executors dial is often only known once the RPC
// listener is bound.
func (s *Server) SetWorker(cmd ports.WorkerCommand) {
	s.cfg.Worker = cmd
}

func (s *Server) RunID() string {
	return s.cfg.RunID
}

// Done is closed once the run reaches COMPLETED, FAILED or ABORTED.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	records, err := s.journal.Finished(ctx)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	finished := make(map[domain.StageID]bool, len(records))
	for id := range records {
		finished[id] = true
	}

	s.mu.Lock()
	restored := s.graph.RestoreFinished(finished)
	s.mu.Unlock()

	s.logger.Info("restored finished stages from journal", "journaled", len(records), "restored", len(restored))
	return nil
}

func (s *Server) writeGraph() error {
	if s.cfg.GraphFile == "" {
		return nil
	}
	f, err := os.Create(s.cfg.GraphFile)
	if err != nil {
		return err
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.WriteDOT(f)
}

func (s *Server) RegisterExecutor(ctx context.Context, req ports.RegisterRequest) (string, error) {
	if err := req.Capacity.Validate(); err != nil {
		return "", err
	}

	now := s.now()
	rec := &domain.ExecutorRecord{
		ID:            uuid.NewString(),
		Host:          req.Host,
		Capacity:      req.Capacity,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	s.mu.Lock()
	s.executors[rec.ID] = rec
	n := len(s.executors)
	s.mu.Unlock()

	metrics.ExecutorsRegistered.Set(float64(n))
	s.logger.Info("executor registered",
		"executor_id", rec.ID,
		"host", req.Host,
		"cores", req.Capacity.Cores,
		"memory_gb", req.Capacity.MemoryGB)
	return rec.ID, nil
}

func (s *Server) RequestStage(ctx context.Context, executorID string) (ports.WorkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[executorID]
	if !ok {
		return ports.WorkResponse{}, &domain.UnknownExecutorError{ExecutorID: executorID}
	}
	rec.Touch(s.now())

	if rec.Assigned != "" {
		if stage, ok := s.graph.Stage(rec.Assigned); ok && stage.State.InFlight() && stage.Executor == executorID {
			return ports.WorkResponse{Kind: ports.WorkAssigned, Assignment: assignmentFor(stage)}, nil
		}
		rec.Assigned = ""
	}

	counts := s.graph.Counts()
	if s.aborting.Load() {
		if counts[domain.StageAssigned]+counts[domain.StageRunning] > 0 {
			return ports.WorkResponse{Kind: ports.WorkNone}, nil
		}
		return ports.WorkResponse{Kind: ports.WorkComplete}, nil
	}
	if s.statusLocked().IsTerminal() {
		return ports.WorkResponse{Kind: ports.WorkComplete}, nil
	}

	id, ok := s.graph.NextRunnableMatching(func(st *domain.Stage) bool {
		return st.Resources.Fits(rec.Capacity)
	})
	if !ok {
		return ports.WorkResponse{Kind: ports.WorkNone}, nil
	}
	if err := s.graph.MarkAssigned(id, executorID); err != nil {
		return ports.WorkResponse{}, err
	}
	rec.Assigned = id
	stage, _ := s.graph.Stage(id)

	metrics.RecordTransition(domain.StageAssigned, 1)
	metrics.ObserveCounts(s.graph.Counts())
	s.logger.Debug("stage assigned", "stage_id", id, "executor_id", executorID, "attempt", stage.Retries+1)
	return ports.WorkResponse{Kind: ports.WorkAssigned, Assignment: assignmentFor(stage)}, nil
}

func assignmentFor(stage *domain.Stage) *ports.Assignment {
	c := stage.Clone()
	return &ports.Assignment{
		StageID:   c.ID,
		Name:      c.Name,
		Command:   c.Command,
		Inputs:    c.Inputs,
		Outputs:   c.Outputs,
		Resources: c.Resources,
		Attempt:   c.Retries + 1,
	}
}

// boundStageLocked returns the stage if it is in flight and bound to the
// executor, and a StaleAssignmentError otherwise.
func (s *Server) boundStageLocked(executorID string, stageID domain.StageID) (*domain.ExecutorRecord, *domain.Stage, error) {
	rec, ok := s.executors[executorID]
	if !ok {
		return nil, nil, &domain.StaleAssignmentError{ExecutorID: executorID, StageID: stageID, Reason: "executor is not registered"}
	}
	stage, ok := s.graph.Stage(stageID)
	if !ok {
		return rec, nil, &domain.StaleAssignmentError{ExecutorID: executorID, StageID: stageID, Reason: "unknown stage"}
	}
	if !stage.State.InFlight() || stage.Executor != executorID {
		return rec, nil, &domain.StaleAssignmentError{
			ExecutorID: executorID,
			StageID:    stageID,
			Reason:     fmt.Sprintf("stage is %s and bound to %q", stage.State, stage.Executor),
		}
	}
	return rec, stage, nil
}

func (s *Server) StageStarted(ctx context.Context, executorID string, stageID domain.StageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.boundStageLocked(executorID, stageID)
	if err != nil {
		return err
	}
	rec.Touch(s.now())
	if err := s.graph.MarkRunning(stageID); err != nil {
		return err
	}
	metrics.RecordTransition(domain.StageRunning, 1)
	return nil
}

func (s *Server) ReportResult(ctx context.Context, executorID string, stageID domain.StageID, outcome ports.Outcome) error {
	s.mu.Lock()

	rec, stage, err := s.boundStageLocked(executorID, stageID)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected stale report", "executor_id", executorID, "stage_id", stageID, "error", err)
		return err
	}
	rec.Touch(s.now())
	rec.Assigned = ""

	if outcome.Success {
		if missing := missingOutputs(stage.Outputs, outcome.Outputs); len(missing) > 0 {
			outcome.Success = false
			outcome.Message = fmt.Sprintf("declared outputs missing: %v", missing)
		}
	}

	var journalRec *ports.JournalRecord
	if outcome.Success {
		unlocked, err := s.graph.MarkFinished(stageID)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		rec.Completed++
		journalRec = &ports.JournalRecord{StageID: stageID, State: domain.StageFinished, Retries: stage.Retries, Outputs: outcome.Outputs}
		metrics.RecordTransition(domain.StageFinished, 1)
		metrics.RecordTransition(domain.StageRunnable, len(unlocked))
		s.logger.Info("stage finished", "stage_id", stageID, "executor_id", executorID, "unlocked", len(unlocked))
	} else {
		reason := outcome.Message
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", outcome.ExitCode)
		}
		res, err := s.graph.MarkFailed(stageID, reason)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		journalRec = s.recordFailureLocked(stageID, res, reason)
	}

	counts := s.graph.Counts()
	s.checkDoneLocked()
	s.mu.Unlock()

	metrics.ObserveCounts(counts)
	if journalRec != nil && s.journal != nil {
		if err := s.journal.Append(ctx, *journalRec); err != nil {
			s.logger.Warn("failed to journal stage outcome", "stage_id", stageID, "error", err)
		}
	}
	return nil
}

// recordFailureLocked logs a failed attempt and returns the journal record
// to append when the stage will not be retried.
func (s *Server) recordFailureLocked(stageID domain.StageID, res graph.FailureResult, reason string) *ports.JournalRecord {
	metrics.RecordTransition(domain.StageFailed, 1)
	if res.Retrying {
		s.logger.Warn("stage failed, will retry", "stage_id", stageID, "retries", res.Retries, "error", reason)
		return nil
	}
	metrics.RecordTransition(domain.StagePermanentlyFailed, 1)
	metrics.RecordTransition(domain.StageUnreachable, len(res.Unreachable))
	s.logger.Error("stage permanently failed",
		"stage_id", stageID,
		"retries", res.Retries,
		"unreachable", len(res.Unreachable),
		"error", reason)
	return &ports.JournalRecord{StageID: stageID, State: domain.StagePermanentlyFailed, Retries: res.Retries, Error: reason}
}

func missingOutputs(declared, reported []string) []string {
	if len(declared) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(reported))
	for _, out := range reported {
		have[out] = struct{}{}
	}
	var missing []string
	for _, out := range declared {
		if _, ok := have[out]; !ok {
			missing = append(missing, out)
		}
	}
	return missing
}

func (s *Server) Heartbeat(ctx context.Context, executorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executors[executorID]
	if !ok {
		return &domain.UnknownExecutorError{ExecutorID: executorID}
	}
	rec.Touch(s.now())
	return nil
}

func (s *Server) Status(ctx context.Context, includeStages bool) (domain.RunSnapshot, error) {
	s.mu.Lock()
	snap := domain.RunSnapshot{
		RunID:     s.cfg.RunID,
		Total:     s.graph.Len(),
		Counts:    s.graph.Counts(),
		Executors: len(s.executors),
		StartedAt: s.startedAt,
		TakenAt:   s.now(),
	}
	snap.Status = s.statusLocked()
	var stages []*domain.Stage
	if includeStages {
		stages = s.graph.Stages()
	}
	s.mu.Unlock()

	for _, st := range stages {
		snap.Stages = append(snap.Stages, domain.StageSummary{
			ID:       st.ID,
			Name:     st.Name,
			State:    st.State,
			Retries:  st.Retries,
			Executor: st.Executor,
			Error:    st.LastError,
		})
	}
	return snap, nil
}

func (s *Server) Abort(ctx context.Context) error {
	if s.aborting.Swap(true) {
		return nil
	}
	s.logger.Warn("pipeline abort requested")

	s.mu.Lock()
	s.checkDoneLocked()
	s.mu.Unlock()
	return nil
}

// statusLocked derives the run status. A run left stranded by the launcher
// is FAILED even while stages are still runnable.
func (s *Server) statusLocked() domain.RunStatus {
	status := domain.DeriveRunStatus(s.graph.Counts(), s.graph.Len(), s.aborting.Load())
	if status == domain.RunRunning && s.stranded.Load() {
		return domain.RunFailed
	}
	return status
}

func (s *Server) checkDoneLocked() {
	status := s.statusLocked()
	if status.IsTerminal() {
		s.doneOnce.Do(func() {
			s.logger.Info("pipeline reached terminal status", "status", status)
			close(s.done)
		})
	}
}

func (s *Server) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
