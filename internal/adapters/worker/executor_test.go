package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/scheduler"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) RegisterExecutor(ctx context.Context, req ports.RegisterRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockService) RequestStage(ctx context.Context, executorID string) (ports.WorkResponse, error) {
	args := m.Called(ctx, executorID)
	return args.Get(0).(ports.WorkResponse), args.Error(1)
}

func (m *MockService) StageStarted(ctx context.Context, executorID string, stageID domain.StageID) error {
	return m.Called(ctx, executorID, stageID).Error(0)
}

func (m *MockService) ReportResult(ctx context.Context, executorID string, stageID domain.StageID, outcome ports.Outcome) error {
	return m.Called(ctx, executorID, stageID, outcome).Error(0)
}

func (m *MockService) Heartbeat(ctx context.Context, executorID string) error {
	return m.Called(ctx, executorID).Error(0)
}

func (m *MockService) Status(ctx context.Context, includeStages bool) (domain.RunSnapshot, error) {
	args := m.Called(ctx, includeStages)
	return args.Get(0).(domain.RunSnapshot), args.Error(1)
}

func (m *MockService) Abort(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Capacity:          domain.Capacity{Cores: 2, MemoryGB: 4},
		Host:              "test-host",
		PollInterval:      5 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		LogDir:            filepath.Join(t.TempDir(), "logs"),
		WorkDir:           t.TempDir(),
	}
}

func shStage(id string, script string, outputs []string, maxRetries int) *domain.Stage {
	return &domain.Stage{
		ID:         domain.StageID(id),
		Name:       id,
		Command:    []string{"sh", "-c", script},
		Outputs:    outputs,
		Resources:  domain.Resources{Cores: 1, MemoryGB: 1},
		MaxRetries: maxRetries,
	}
}

func runWithTimeout(t *testing.T, e *Executor) (ExitReason, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Run(ctx)
}

func TestExecutor_RunsChainAgainstServer(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddStage(shStage("make-a", "echo a > a.txt", []string{"a.txt"}, 0), nil))
	require.NoError(t, g.AddStage(shStage("make-b", "cat a.txt > b.txt; echo done", []string{"b.txt"}, 0), []domain.StageID{"make-a"}))
	sched := scheduler.New(scheduler.Config{RunID: "chain", DisableHeartbeats: true}, g, scheduler.Deps{})

	cfg := testConfig(t)
	e := New(sched, cfg, nil)
	reason, err := runWithTimeout(t, e)
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)
	assert.NotEmpty(t, e.ID())

	data, err := os.ReadFile(filepath.Join(cfg.WorkDir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(data))

	completed, failed := e.Stats()
	assert.Equal(t, 2, completed)
	assert.Zero(t, failed)

	snap, err := sched.Status(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, snap.Status)

	log, err := os.ReadFile(filepath.Join(cfg.LogDir, "make-b.1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "done")
}

func TestExecutor_FailuresAreReported(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddStage(shStage("exits", "exit 3", nil, 0), nil))
	require.NoError(t, g.AddStage(&domain.Stage{
		ID:        "missing-binary",
		Name:      "missing-binary",
		Command:   []string{"/does/not/exist"},
		Resources: domain.Resources{Cores: 1, MemoryGB: 1},
	}, nil))
	require.NoError(t, g.AddStage(shStage("no-output", "true", []string{"never.txt"}, 0), nil))
	sched := scheduler.New(scheduler.Config{RunID: "failing", DisableHeartbeats: true}, g, scheduler.Deps{})

	e := New(sched, testConfig(t), nil)
	reason, err := runWithTimeout(t, e)
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)

	snap, err := sched.Status(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Equal(t, 3, snap.Count(domain.StagePermanentlyFailed))
	for _, st := range snap.Stages {
		assert.NotEmpty(t, st.Error, "stage %s", st.ID)
	}
}

func TestExecutor_StageEnvironmentAndPrologue(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrologueFile = filepath.Join(t.TempDir(), "prologue.sh")
	require.NoError(t, os.WriteFile(cfg.PrologueFile, []byte("export REFERENCE_DIR=/refs/hg38\n"), 0o644))

	st := shStage("env", `echo "$OMP_NUM_THREADS $GOMAXPROCS $REFERENCE_DIR $STAGECOACH_STAGE_ID" > env.txt`, []string{"env.txt"}, 0)
	st.Resources.Cores = 2
	g := graph.New()
	require.NoError(t, g.AddStage(st, nil))
	sched := scheduler.New(scheduler.Config{RunID: "env", DisableHeartbeats: true}, g, scheduler.Deps{})

	reason, err := runWithTimeout(t, New(sched, cfg, nil))
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)

	data, err := os.ReadFile(filepath.Join(cfg.WorkDir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2 2 /refs/hg38 env\n", string(data))
}

func TestExecutor_MissingPrologueFailsStage(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrologueFile = filepath.Join(t.TempDir(), "absent.sh")

	g := graph.New()
	require.NoError(t, g.AddStage(shStage("needs-env", "true", nil, 0), nil))
	sched := scheduler.New(scheduler.Config{RunID: "prologue", DisableHeartbeats: true}, g, scheduler.Deps{})

	_, err := runWithTimeout(t, New(sched, cfg, nil))
	require.NoError(t, err)

	snap, err := sched.Status(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Equal(t, 1, snap.Count(domain.StagePermanentlyFailed))
}

func TestExecutor_IdleTimeout(t *testing.T) {
	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil)
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkNone}, nil)

	cfg := testConfig(t)
	cfg.IdleTimeout = 50 * time.Millisecond
	reason, err := runWithTimeout(t, New(svc, cfg, nil))
	require.NoError(t, err)
	assert.Equal(t, ExitIdle, reason)
}

func TestExecutor_AcceptDeadline(t *testing.T) {
	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil)
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkNone}, nil)

	cfg := testConfig(t)
	cfg.AcceptDeadline = 30 * time.Millisecond
	cfg.IdleTimeout = time.Hour
	reason, err := runWithTimeout(t, New(svc, cfg, nil))
	require.NoError(t, err)
	assert.Equal(t, ExitAcceptDeadline, reason)
}

func TestExecutor_ReregistersWhenForgotten(t *testing.T) {
	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil).Once()
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e2", nil).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{}, &domain.UnknownExecutorError{ExecutorID: "e1"})
	svc.On("RequestStage", mock.Anything, "e2").Return(ports.WorkResponse{Kind: ports.WorkComplete}, nil)

	e := New(svc, testConfig(t), nil)
	reason, err := runWithTimeout(t, e)
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)
	assert.Equal(t, "e2", e.ID())
	svc.AssertNumberOfCalls(t, "RegisterExecutor", 2)
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	assignment := &ports.Assignment{StageID: "s1", Name: "s1", Command: []string{"true"}, Attempt: 1}

	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("", domain.ErrServerUnreachable).Once()
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{}, domain.ErrServerUnreachable).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkAssigned, Assignment: assignment}, nil).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkComplete}, nil)
	svc.On("StageStarted", mock.Anything, "e1", domain.StageID("s1")).Return(nil)
	svc.On("ReportResult", mock.Anything, "e1", domain.StageID("s1"), mock.Anything).Return(errors.New("connection reset")).Once()
	svc.On("ReportResult", mock.Anything, "e1", domain.StageID("s1"), mock.MatchedBy(func(o ports.Outcome) bool {
		return o.Success
	})).Return(nil).Once()

	e := New(svc, testConfig(t), nil)
	reason, err := runWithTimeout(t, e)
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)
	completed, _ := e.Stats()
	assert.Equal(t, 1, completed)
	svc.AssertExpectations(t)
}

func TestExecutor_StaleAssignmentSkipped(t *testing.T) {
	assignment := &ports.Assignment{StageID: "s1", Name: "s1", Command: []string{"true"}, Attempt: 1}

	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil)
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkAssigned, Assignment: assignment}, nil).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkComplete}, nil)
	svc.On("StageStarted", mock.Anything, "e1", domain.StageID("s1")).Return(&domain.StaleAssignmentError{ExecutorID: "e1", StageID: "s1"})

	reason, err := runWithTimeout(t, New(svc, testConfig(t), nil))
	require.NoError(t, err)
	assert.Equal(t, ExitPipelineComplete, reason)
	svc.AssertNotCalled(t, "ReportResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecutor_CapacityRejected(t *testing.T) {
	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("", &domain.CapacityError{})

	_, err := runWithTimeout(t, New(svc, testConfig(t), nil))
	assert.True(t, domain.IsCapacity(err))
}

func TestExecutor_HeartbeatsWhileRunning(t *testing.T) {
	assignment := &ports.Assignment{StageID: "slow", Name: "slow", Command: []string{"sleep", "0.2"}, Attempt: 1}

	svc := &MockService{}
	svc.On("RegisterExecutor", mock.Anything, mock.Anything).Return("e1", nil)
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkAssigned, Assignment: assignment}, nil).Once()
	svc.On("RequestStage", mock.Anything, "e1").Return(ports.WorkResponse{Kind: ports.WorkComplete}, nil)
	svc.On("StageStarted", mock.Anything, "e1", domain.StageID("slow")).Return(nil)
	svc.On("ReportResult", mock.Anything, "e1", domain.StageID("slow"), mock.Anything).Return(nil)
	var heartbeats atomic.Int32
	svc.On("Heartbeat", mock.Anything, "e1").Return(nil).Run(func(mock.Arguments) { heartbeats.Add(1) })

	cfg := testConfig(t)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	_, err := runWithTimeout(t, New(svc, cfg, nil))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, heartbeats.Load(), int32(3))
}

func TestBackoff(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
	b.reset()
	assert.Equal(t, time.Second, b.next())
}
