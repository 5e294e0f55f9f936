package rpc

import (
	"context"

	"github.com/eleven-am/stagecoach/internal/ports"
	"google.golang.org/grpc"
)

const ServiceName = "stagecoach.v1.Pipeline"

const (
	methodRegisterExecutor = "RegisterExecutor"
	methodRequestStage     = "RequestStage"
	methodStageStarted     = "StageStarted"
	methodReportResult     = "ReportResult"
	methodHeartbeat        = "Heartbeat"
	methodStatus           = "Status"
	methodAbort            = "Abort"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed call on the pipeline service into a gRPC method
// handler. Errors are converted to status errors here so interceptors see
// the final code.
func unary[Req any](method string, call func(context.Context, ports.PipelineService, *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			svc := srv.(ports.PipelineService)
			invoke := func(ctx context.Context, r interface{}) (interface{}, error) {
				resp, err := call(ctx, svc, r.(*Req))
				return resp, toStatus(err)
			}
			if interceptor == nil {
				return invoke(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, req, info, invoke)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ports.PipelineService)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodRegisterExecutor, func(ctx context.Context, svc ports.PipelineService, req *RegisterExecutorRequest) (interface{}, error) {
			id, err := svc.RegisterExecutor(ctx, ports.RegisterRequest{Capacity: req.Capacity, Host: req.Host})
			if err != nil {
				return nil, err
			}
			return &RegisterExecutorResponse{ExecutorID: id}, nil
		}),
		unary(methodRequestStage, func(ctx context.Context, svc ports.PipelineService, req *ExecutorRequest) (interface{}, error) {
			work, err := svc.RequestStage(ctx, req.ExecutorID)
			if err != nil {
				return nil, err
			}
			return &RequestStageResponse{Kind: work.Kind.String(), Assignment: work.Assignment}, nil
		}),
		unary(methodStageStarted, func(ctx context.Context, svc ports.PipelineService, req *StageStartedRequest) (interface{}, error) {
			if err := svc.StageStarted(ctx, req.ExecutorID, req.StageID); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}),
		unary(methodReportResult, func(ctx context.Context, svc ports.PipelineService, req *ReportResultRequest) (interface{}, error) {
			if err := svc.ReportResult(ctx, req.ExecutorID, req.StageID, req.Outcome); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}),
		unary(methodHeartbeat, func(ctx context.Context, svc ports.PipelineService, req *ExecutorRequest) (interface{}, error) {
			if err := svc.Heartbeat(ctx, req.ExecutorID); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}),
		unary(methodStatus, func(ctx context.Context, svc ports.PipelineService, req *StatusRequest) (interface{}, error) {
			snap, err := svc.Status(ctx, req.IncludeStages)
			if err != nil {
				return nil, err
			}
			return toStatusResponse(snap), nil
		}),
		unary(methodAbort, func(ctx context.Context, svc ports.PipelineService, req *Empty) (interface{}, error) {
			if err := svc.Abort(ctx); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stagecoach/v1/pipeline",
}
