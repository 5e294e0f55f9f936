package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// UnaryLoggingInterceptor logs each handled call. Expected pipeline
// rejections (stale reports, unknown executors) are logged at warn.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := codeOf(err)

		attrs := []any{
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", code.String(),
		}
		switch code {
		case codes.OK:
			logger.Debug("request completed", attrs...)
		case codes.NotFound, codes.FailedPrecondition, codes.InvalidArgument, codes.Canceled:
			logger.Warn("request rejected", append(attrs, "error", err)...)
		default:
			logger.Error("request failed", append(attrs, "error", err)...)
		}
		return resp, err
	}
}

func UnaryClientLoggingInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		logger.Debug("client request completed",
			"method", method,
			"target", cc.Target(),
			"duration_ms", time.Since(start).Milliseconds(),
			"code", codeOf(err).String(),
		)
		return err
	}
}
