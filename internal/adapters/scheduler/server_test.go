package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Append(ctx context.Context, rec ports.JournalRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockJournal) Finished(ctx context.Context) (map[domain.StageID]ports.JournalRecord, error) {
	args := m.Called(ctx)
	recs, _ := args.Get(0).(map[domain.StageID]ports.JournalRecord)
	return recs, args.Error(1)
}

func (m *MockJournal) Close() error {
	return m.Called().Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testStage(id string, maxRetries int, outputs ...string) *domain.Stage {
	return &domain.Stage{
		ID:         domain.StageID(id),
		Name:       id,
		Command:    []string{"echo", id},
		Outputs:    outputs,
		Resources:  domain.Resources{Cores: 1, MemoryGB: 1},
		MaxRetries: maxRetries,
	}
}

// diamondGraph builds A -> B -> D, A -> C -> D.
func diamondGraph(t *testing.T, maxRetries int) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddStage(testStage("A", maxRetries), nil))
	require.NoError(t, g.AddStage(testStage("B", maxRetries), []domain.StageID{"A"}))
	require.NoError(t, g.AddStage(testStage("C", maxRetries), []domain.StageID{"A"}))
	require.NoError(t, g.AddStage(testStage("D", maxRetries), []domain.StageID{"B", "C"}))
	return g
}

func newTestServer(t *testing.T, g *graph.Graph, clock *fakeClock, deps Deps) *Server {
	t.Helper()
	if clock != nil {
		deps.Now = clock.Now
	}
	return New(Config{RunID: "test", HeartbeatGrace: time.Minute, DisableHeartbeats: true}, g, deps)
}

func register(t *testing.T, s *Server) string {
	t.Helper()
	id, err := s.RegisterExecutor(context.Background(), ports.RegisterRequest{
		Capacity: domain.Capacity{Cores: 2, MemoryGB: 4},
		Host:     "node1",
	})
	require.NoError(t, err)
	return id
}

func requestAssigned(t *testing.T, s *Server, executorID string) *ports.Assignment {
	t.Helper()
	resp, err := s.RequestStage(context.Background(), executorID)
	require.NoError(t, err)
	require.Equal(t, ports.WorkAssigned, resp.Kind)
	require.NotNil(t, resp.Assignment)
	return resp.Assignment
}

func runStage(t *testing.T, s *Server, executorID string, outcome ports.Outcome) domain.StageID {
	t.Helper()
	a := requestAssigned(t, s, executorID)
	require.NoError(t, s.StageStarted(context.Background(), executorID, a.StageID))
	if outcome.Success && outcome.Outputs == nil {
		outcome.Outputs = a.Outputs
	}
	require.NoError(t, s.ReportResult(context.Background(), executorID, a.StageID, outcome))
	return a.StageID
}

func snapshot(t *testing.T, s *Server) domain.RunSnapshot {
	t.Helper()
	snap, err := s.Status(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, snap.Total, snap.CountSum())
	return snap
}

func stageState(t *testing.T, snap domain.RunSnapshot, id string) domain.StageState {
	t.Helper()
	for _, st := range snap.Stages {
		if st.ID == domain.StageID(id) {
			return st.State
		}
	}
	t.Fatalf("stage %s not in snapshot", id)
	return 0
}

func TestServer_DiamondRunsToCompletion(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	exec := register(t, s)

	var order []domain.StageID
	for i := 0; i < 4; i++ {
		order = append(order, runStage(t, s, exec, ports.Outcome{Success: true}))
	}
	assert.Equal(t, []domain.StageID{"A", "B", "C", "D"}, order)

	resp, err := s.RequestStage(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkComplete, resp.Kind)

	snap := snapshot(t, s)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, 4, snap.Count(domain.StageFinished))

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestServer_NoWorkWhileDependenciesRun(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	first := register(t, s)
	second := register(t, s)

	a := requestAssigned(t, s, first)
	assert.Equal(t, domain.StageID("A"), a.StageID)

	resp, err := s.RequestStage(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkNone, resp.Kind)
}

func TestServer_RetryExhaustionFailsRun(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	exec := register(t, s)
	ctx := context.Background()

	runStage(t, s, exec, ports.Outcome{Success: true})

	for attempt := 1; attempt <= 3; attempt++ {
		a := requestAssigned(t, s, exec)
		require.Equal(t, domain.StageID("B"), a.StageID)
		assert.Equal(t, attempt, a.Attempt)
		require.NoError(t, s.ReportResult(ctx, exec, "B", ports.Outcome{ExitCode: 1, Message: "boom"}))
	}

	snap := snapshot(t, s)
	assert.Equal(t, domain.StagePermanentlyFailed, stageState(t, snap, "B"))
	assert.Equal(t, domain.StageUnreachable, stageState(t, snap, "D"))
	assert.Equal(t, domain.StageRunnable, stageState(t, snap, "C"))
	assert.Equal(t, domain.RunRunning, snap.Status)

	assert.Equal(t, domain.StageID("C"), runStage(t, s, exec, ports.Outcome{Success: true}))

	snap = snapshot(t, s)
	assert.Equal(t, domain.RunFailed, snap.Status)
	assert.Equal(t, 2, snap.Count(domain.StageFinished))

	resp, err := s.RequestStage(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkComplete, resp.Kind)
}

func TestServer_SweepReclaimsFromSilentExecutor(t *testing.T) {
	clock := newFakeClock()
	s := newTestServer(t, diamondGraph(t, 2), clock, Deps{})
	lost := register(t, s)
	ctx := context.Background()

	a := requestAssigned(t, s, lost)
	require.NoError(t, s.StageStarted(ctx, lost, a.StageID))

	clock.Advance(30 * time.Second)
	assert.Empty(t, s.Sweep())

	clock.Advance(31 * time.Second)
	assert.Equal(t, []domain.StageID{"A"}, s.Sweep())
	assert.Empty(t, s.Sweep())

	snap := snapshot(t, s)
	assert.Equal(t, domain.StageRunnable, stageState(t, snap, "A"))
	assert.Equal(t, 1, snap.Stages[0].Retries)
	assert.Equal(t, 0, snap.Executors)

	err := s.ReportResult(ctx, lost, "A", ports.Outcome{Success: true})
	assert.True(t, domain.IsStaleAssignment(err))
	assert.True(t, domain.IsUnknownExecutor(s.Heartbeat(ctx, lost)))

	fresh := register(t, s)
	again := requestAssigned(t, s, fresh)
	assert.Equal(t, domain.StageID("A"), again.StageID)
	assert.Equal(t, 2, again.Attempt)
}

func TestServer_RepeatedReclaimFailsStage(t *testing.T) {
	clock := newFakeClock()
	journal := &MockJournal{}
	journal.On("Append", mock.Anything, mock.MatchedBy(func(rec ports.JournalRecord) bool {
		return rec.StageID == "A" && rec.State == domain.StagePermanentlyFailed && rec.Error == graph.ReclaimReason
	})).Return(nil).Once()
	s := newTestServer(t, diamondGraph(t, 1), clock, Deps{Journal: journal})
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		exec := register(t, s)
		a := requestAssigned(t, s, exec)
		require.Equal(t, domain.StageID("A"), a.StageID)
		require.Equal(t, attempt, a.Attempt)
		require.NoError(t, s.StageStarted(ctx, exec, a.StageID))

		clock.Advance(61 * time.Second)
		assert.Equal(t, []domain.StageID{"A"}, s.Sweep())
	}

	snap := snapshot(t, s)
	assert.Equal(t, domain.StagePermanentlyFailed, stageState(t, snap, "A"))
	assert.Equal(t, 3, snap.Count(domain.StageUnreachable))
	assert.Equal(t, domain.RunFailed, snap.Status)
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	journal.AssertExpectations(t)
}

func TestServer_HeartbeatKeepsExecutorAlive(t *testing.T) {
	clock := newFakeClock()
	s := newTestServer(t, diamondGraph(t, 2), clock, Deps{})
	exec := register(t, s)
	requestAssigned(t, s, exec)

	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		require.NoError(t, s.Heartbeat(context.Background(), exec))
		assert.Empty(t, s.Sweep())
	}
	assert.Equal(t, 1, snapshot(t, s).Executors)
}

func TestServer_StaleReportFromOtherExecutor(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	owner := register(t, s)
	other := register(t, s)
	requestAssigned(t, s, owner)

	err := s.ReportResult(context.Background(), other, "A", ports.Outcome{Success: true})
	assert.True(t, domain.IsStaleAssignment(err))
	assert.True(t, domain.IsStaleAssignment(s.StageStarted(context.Background(), other, "A")))

	snap := snapshot(t, s)
	assert.Equal(t, domain.StageAssigned, stageState(t, snap, "A"))
}

func TestServer_RegisterRejectsBadCapacity(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	for _, c := range []domain.Capacity{{Cores: 0, MemoryGB: 1}, {Cores: 1, MemoryGB: 0}, {Cores: -1, MemoryGB: -1}} {
		_, err := s.RegisterExecutor(context.Background(), ports.RegisterRequest{Capacity: c})
		assert.True(t, domain.IsCapacity(err), "capacity %+v", c)
	}
}

func TestServer_UnknownExecutor(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	_, err := s.RequestStage(context.Background(), "nobody")
	assert.True(t, domain.IsUnknownExecutor(err))
	assert.True(t, domain.IsUnknownExecutor(s.Heartbeat(context.Background(), "nobody")))
}

func TestServer_RepeatedRequestReturnsSameAssignment(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	exec := register(t, s)

	first := requestAssigned(t, s, exec)
	second := requestAssigned(t, s, exec)
	assert.Equal(t, first.StageID, second.StageID)
	assert.Equal(t, 1, snapshot(t, s).Count(domain.StageAssigned))
}

func TestServer_OnlyOfferStagesThatFit(t *testing.T) {
	g := graph.New()
	big := testStage("big", 0)
	big.Resources = domain.Resources{Cores: 8, MemoryGB: 32}
	require.NoError(t, g.AddStage(big, nil))
	require.NoError(t, g.AddStage(testStage("small", 0), nil))

	s := newTestServer(t, g, nil, Deps{})
	exec := register(t, s)

	a := requestAssigned(t, s, exec)
	assert.Equal(t, domain.StageID("small"), a.StageID)
	require.NoError(t, s.ReportResult(context.Background(), exec, a.StageID, ports.Outcome{Success: true}))

	resp, err := s.RequestStage(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkNone, resp.Kind)
}

func TestServer_ConcurrentRequestsAssignAtMostOnce(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddStage(testStage("only", 0), nil))
	s := newTestServer(t, g, nil, Deps{})

	const executors = 32
	ids := make([]string, executors)
	for i := range ids {
		ids[i] = register(t, s)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		assigned int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := s.RequestStage(context.Background(), id)
			if err != nil || resp.Kind != ports.WorkAssigned {
				return
			}
			mu.Lock()
			assigned++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, snapshot(t, s).Count(domain.StageAssigned))
}

func TestServer_MissingOutputsDowngradeToFailure(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddStage(testStage("produce", 0, "out.mnc"), nil))
	s := newTestServer(t, g, nil, Deps{})
	exec := register(t, s)

	a := requestAssigned(t, s, exec)
	require.NoError(t, s.ReportResult(context.Background(), exec, a.StageID, ports.Outcome{Success: true}))

	snap := snapshot(t, s)
	assert.Equal(t, domain.StagePermanentlyFailed, stageState(t, snap, "produce"))
	assert.Contains(t, snap.Stages[0].Error, "out.mnc")
	assert.Equal(t, domain.RunFailed, snap.Status)
}

func TestServer_AbortDrainsInFlight(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	exec := register(t, s)
	idle := register(t, s)
	ctx := context.Background()

	a := requestAssigned(t, s, exec)
	require.NoError(t, s.Abort(ctx))
	require.NoError(t, s.Abort(ctx))

	assert.Equal(t, domain.RunAborting, snapshot(t, s).Status)
	resp, err := s.RequestStage(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkNone, resp.Kind)

	require.NoError(t, s.ReportResult(ctx, exec, a.StageID, ports.Outcome{Success: true}))

	snap := snapshot(t, s)
	assert.Equal(t, domain.RunAborted, snap.Status)
	assert.Equal(t, 0, snap.Count(domain.StageAssigned))

	resp, err = s.RequestStage(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, ports.WorkComplete, resp.Kind)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestServer_JournalsOutcomesAndRestores(t *testing.T) {
	journal := &MockJournal{}
	journal.On("Finished", mock.Anything).Return(map[domain.StageID]ports.JournalRecord{
		"A": {StageID: "A", State: domain.StageFinished},
		"D": {StageID: "D", State: domain.StageFinished},
	}, nil)
	journal.On("Append", mock.Anything, mock.MatchedBy(func(rec ports.JournalRecord) bool {
		return rec.StageID == "B" && rec.State == domain.StageFinished
	})).Return(nil).Once()

	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{Journal: journal})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	snap := snapshot(t, s)
	assert.Equal(t, domain.StageFinished, stageState(t, snap, "A"))
	assert.Equal(t, domain.StagePending, stageState(t, snap, "D"))

	exec := register(t, s)
	assert.Equal(t, domain.StageID("B"), runStage(t, s, exec, ports.Outcome{Success: true}))

	journal.AssertExpectations(t)
}

func TestServer_StartTwice(t *testing.T) {
	s := newTestServer(t, diamondGraph(t, 2), nil, Deps{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrAlreadyStarted)
}

func TestServer_DryRunWritesGraphAndFinishes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.dot")
	s := New(Config{RunID: "dry", DryRun: true, GraphFile: path}, diamondGraph(t, 2), Deps{})
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("dry run did not finish")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"A" -> "B"`)
	assert.Equal(t, 0, snapshot(t, s).Count(domain.StageFinished))
}
