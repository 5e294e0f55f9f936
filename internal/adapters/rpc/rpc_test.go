package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/scheduler"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
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

func startServer(t *testing.T, svc ports.PipelineService) (*Server, *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(svc, ServerConfig{BindAddress: "127.0.0.1"}, nil)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(srv.Stop)
	require.NotZero(t, srv.Port())

	client, err := Dial(srv.Addr(), DefaultClientConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func diamond(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	add := func(id string, deps ...domain.StageID) {
		require.NoError(t, g.AddStage(&domain.Stage{
			ID:         domain.StageID(id),
			Name:       id,
			Command:    []string{"true"},
			Resources:  domain.Resources{Cores: 1, MemoryGB: 1},
			MaxRetries: 1,
		}, deps))
	}
	add("A")
	add("B", "A")
	add("C", "A")
	add("D", "B", "C")
	return g
}

func TestRPC_DiamondOverTheWire(t *testing.T) {
	sched := scheduler.New(scheduler.Config{RunID: "wire", DisableHeartbeats: true}, diamond(t), scheduler.Deps{})
	_, client := startServer(t, sched)
	ctx := context.Background()

	exec, err := client.RegisterExecutor(ctx, ports.RegisterRequest{Capacity: domain.Capacity{Cores: 1, MemoryGB: 2}, Host: "n1"})
	require.NoError(t, err)
	require.NotEmpty(t, exec)

	var order []domain.StageID
	for {
		work, err := client.RequestStage(ctx, exec)
		require.NoError(t, err)
		if work.Kind == ports.WorkComplete {
			break
		}
		require.Equal(t, ports.WorkAssigned, work.Kind)
		require.NoError(t, client.StageStarted(ctx, exec, work.Assignment.StageID))
		require.NoError(t, client.Heartbeat(ctx, exec))
		require.NoError(t, client.ReportResult(ctx, exec, work.Assignment.StageID, ports.Outcome{Success: true}))
		order = append(order, work.Assignment.StageID)
	}
	assert.Equal(t, []domain.StageID{"A", "B", "C", "D"}, order)

	snap, err := client.Status(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, snap.Status)
	assert.Equal(t, 4, snap.Count(domain.StageFinished))
	assert.Equal(t, snap.Total, snap.CountSum())
	require.Len(t, snap.Stages, 4)
	assert.Equal(t, domain.StageFinished, snap.Stages[3].State)
}

func TestRPC_TypedErrorsSurviveTheWire(t *testing.T) {
	sched := scheduler.New(scheduler.Config{RunID: "errors", DisableHeartbeats: true}, diamond(t), scheduler.Deps{})
	_, client := startServer(t, sched)
	ctx := context.Background()

	_, err := client.RegisterExecutor(ctx, ports.RegisterRequest{Capacity: domain.Capacity{Cores: 0, MemoryGB: 1}})
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 0, capErr.Capacity.Cores)

	_, err = client.RequestStage(ctx, "ghost")
	var unknown *domain.UnknownExecutorError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "ghost", unknown.ExecutorID)

	exec, err := client.RegisterExecutor(ctx, ports.RegisterRequest{Capacity: domain.Capacity{Cores: 1, MemoryGB: 1}})
	require.NoError(t, err)
	err = client.ReportResult(ctx, exec, "D", ports.Outcome{Success: true})
	var stale *domain.StaleAssignmentError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, domain.StageID("D"), stale.StageID)
}

func TestRPC_AbortAndInternalErrors(t *testing.T) {
	svc := &MockService{}
	svc.On("Abort", mock.Anything).Return(nil).Once()
	svc.On("Heartbeat", mock.Anything, "e1").Return(errors.New("disk on fire")).Once()
	_, client := startServer(t, svc)

	require.NoError(t, client.Abort(context.Background()))

	err := client.Heartbeat(context.Background(), "e1")
	var dErr domain.Error
	require.True(t, errors.As(err, &dErr))
	assert.Equal(t, domain.ErrorTypeInternal, dErr.Type)
	assert.Contains(t, dErr.Message, "disk on fire")

	svc.AssertExpectations(t)
}

func TestRPC_UnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, err := Dial(addr, ClientConfig{RequestTimeout: 500 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Status(context.Background(), false)
	assert.True(t, domain.IsServerUnreachable(err), "got %v", err)
}

func TestRPC_HealthServiceRegistered(t *testing.T) {
	svc := &MockService{}
	srv, _ := startServer(t, svc)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestServerConfig_AdmitsClientKeepalive(t *testing.T) {
	policy := ServerConfig{}.enforcementPolicy()
	assert.True(t, policy.PermitWithoutStream)
	assert.Equal(t, 20*time.Second, policy.MinTime)
	assert.LessOrEqual(t, policy.MinTime, DefaultClientConfig().KeepAliveTime)

	policy = ServerConfig{KeepaliveMinTime: time.Second}.enforcementPolicy()
	assert.Equal(t, time.Second, policy.MinTime)
}

func TestRPC_StartTwice(t *testing.T) {
	srv, _ := startServer(t, &MockService{})
	assert.ErrorIs(t, srv.Start(context.Background()), domain.ErrAlreadyStarted)
}
