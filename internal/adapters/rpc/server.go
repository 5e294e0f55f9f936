// Package rpc carries the pipeline service over gRPC. Messages are plain Go
// structs encoded with a JSON codec.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

type ServerConfig struct {
	BindAddress string
	BindPort    int
	MaxMsgSize  int

	// KeepaliveMinTime is the shortest client ping interval the server
	// tolerates. It must not exceed the client's KeepAliveTime.
	KeepaliveMinTime time.Duration
}

func ServerConfigFrom(cfg domain.ServerConfig) ServerConfig {
	return ServerConfig{
		BindAddress: cfg.BindAddr,
		BindPort:    cfg.Port,
		MaxMsgSize:  cfg.MaxMessageSizeMB << 20,
	}
}

type Server struct {
	logger   *slog.Logger
	config   ServerConfig
	service  ports.PipelineService
	health   *health.Server
	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
}

func NewServer(service ports.PipelineService, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger.With("component", "rpc-server"),
		config:  config,
		service: service,
		health:  health.NewServer(),
	}
}

// enforcementPolicy accepts the pings clients send on idle connections
// between polls instead of answering them with GOAWAY.
func (c ServerConfig) enforcementPolicy() keepalive.EnforcementPolicy {
	minTime := c.KeepaliveMinTime
	if minTime <= 0 {
		minTime = 20 * time.Second
	}
	return keepalive.EnforcementPolicy{
		MinTime:             minTime,
		PermitWithoutStream: true,
	}
}

// Start listens and serves in the background. Port 0 picks a free port; use
// Addr to learn it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return domain.ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.BindPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return domain.Error{
			Type:    domain.ErrorTypeUnavailable,
			Message: "failed to start rpc listener",
			Details: map[string]interface{}{"address": addr, "error": err.Error()},
		}
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			UnaryLoggingInterceptor(s.logger),
			grpc_prometheus.UnaryServerInterceptor,
		)),
		grpc.KeepaliveEnforcementPolicy(s.config.enforcementPolicy()),
	}
	if s.config.MaxMsgSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(s.config.MaxMsgSize),
			grpc.MaxSendMsgSize(s.config.MaxMsgSize),
		)
	}

	server := grpc.NewServer(opts...)
	server.RegisterService(&serviceDesc, s.service)
	grpc_health_v1.RegisterHealthServer(server, s.health)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_prometheus.Register(server)

	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("rpc server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("rpc server started", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return
	}
	s.health.Shutdown()
	server.GracefulStop()
	s.logger.Info("rpc server stopped")
}
