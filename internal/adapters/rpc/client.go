package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type ClientConfig struct {
	// RequestTimeout bounds each call when the caller's context has no
	// deadline of its own.
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	MaxMsgSize       int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:   10 * time.Second,
		ConnectTimeout:   5 * time.Second,
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
	}
}

// Client is a PipelineService backed by a remote server.
type Client struct {
	conn   *grpc.ClientConn
	config ClientConfig
	logger *slog.Logger
}

var _ ports.PipelineService = (*Client)(nil)

// Dial prepares a connection to address. It does not block; an unreachable
// server surfaces as ErrServerUnreachable on the first call.
func Dial(address string, config ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	logger = logger.With("component", "rpc-client", "server", address)

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(CodecName)}
	if config.MaxMsgSize > 0 {
		callOpts = append(callOpts,
			grpc.MaxCallRecvMsgSize(config.MaxMsgSize),
			grpc.MaxCallSendMsgSize(config.MaxMsgSize),
		)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: config.ConnectTimeout,
		}),
		grpc.WithChainUnaryInterceptor(
			UnaryClientLoggingInterceptor(logger),
			grpc_prometheus.UnaryClientInterceptor,
		),
	}
	if config.KeepAliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAliveTime,
			Timeout:             config.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeUnavailable,
			Message: "failed to create rpc client",
			Details: map[string]interface{}{"address": address, "error": err.Error()},
		}
	}
	return &Client{conn: conn, config: config, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}, call callInfo) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
	return fromStatus(err, call)
}

func (c *Client) RegisterExecutor(ctx context.Context, req ports.RegisterRequest) (string, error) {
	var resp RegisterExecutorResponse
	capacity := req.Capacity
	err := c.invoke(ctx, methodRegisterExecutor,
		&RegisterExecutorRequest{Capacity: req.Capacity, Host: req.Host}, &resp,
		callInfo{capacity: &capacity})
	return resp.ExecutorID, err
}

func (c *Client) RequestStage(ctx context.Context, executorID string) (ports.WorkResponse, error) {
	var resp RequestStageResponse
	err := c.invoke(ctx, methodRequestStage, &ExecutorRequest{ExecutorID: executorID}, &resp,
		callInfo{executorID: executorID})
	if err != nil {
		return ports.WorkResponse{}, err
	}
	return ports.WorkResponse{Kind: workKindFromString(resp.Kind), Assignment: resp.Assignment}, nil
}

func (c *Client) StageStarted(ctx context.Context, executorID string, stageID domain.StageID) error {
	return c.invoke(ctx, methodStageStarted,
		&StageStartedRequest{ExecutorID: executorID, StageID: stageID}, &Empty{},
		callInfo{executorID: executorID, stageID: stageID})
}

func (c *Client) ReportResult(ctx context.Context, executorID string, stageID domain.StageID, outcome ports.Outcome) error {
	return c.invoke(ctx, methodReportResult,
		&ReportResultRequest{ExecutorID: executorID, StageID: stageID, Outcome: outcome}, &Empty{},
		callInfo{executorID: executorID, stageID: stageID})
}

func (c *Client) Heartbeat(ctx context.Context, executorID string) error {
	return c.invoke(ctx, methodHeartbeat, &ExecutorRequest{ExecutorID: executorID}, &Empty{},
		callInfo{executorID: executorID})
}

func (c *Client) Status(ctx context.Context, includeStages bool) (domain.RunSnapshot, error) {
	var resp StatusResponse
	if err := c.invoke(ctx, methodStatus, &StatusRequest{IncludeStages: includeStages}, &resp, callInfo{}); err != nil {
		return domain.RunSnapshot{}, err
	}
	return resp.snapshot(), nil
}

func (c *Client) Abort(ctx context.Context) error {
	return c.invoke(ctx, methodAbort, &Empty{}, &Empty{}, callInfo{})
}
