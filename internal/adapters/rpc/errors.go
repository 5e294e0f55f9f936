package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/stagecoach/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps pipeline errors onto gRPC codes so clients can rebuild the
// typed error on their side.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var dErr domain.Error
	switch {
	case domain.IsCapacity(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.IsUnknownExecutor(err):
		return status.Error(codes.NotFound, err.Error())
	case domain.IsStaleAssignment(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.IsInvalidTransition(err):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &dErr) && dErr.Type == domain.ErrorTypeValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type callInfo struct {
	executorID string
	stageID    domain.StageID
	capacity   *domain.Capacity
}

// fromStatus is the inverse of toStatus. Fields lost on the wire are filled
// from the request that produced the error.
func fromStatus(err error, call callInfo) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.InvalidArgument:
		if call.capacity != nil {
			return &domain.CapacityError{Capacity: *call.capacity}
		}
		return domain.Error{Type: domain.ErrorTypeValidation, Message: st.Message()}
	case codes.NotFound:
		return &domain.UnknownExecutorError{ExecutorID: call.executorID}
	case codes.FailedPrecondition:
		return &domain.StaleAssignmentError{ExecutorID: call.executorID, StageID: call.stageID, Reason: st.Message()}
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", domain.ErrServerUnreachable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", domain.ErrServerUnreachable, context.DeadlineExceeded)
	case codes.Canceled:
		return context.Canceled
	default:
		return domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: st.Message(),
			Details: map[string]interface{}{"code": st.Code().String()},
		}
	}
}
