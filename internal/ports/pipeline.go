package ports

import (
	"context"

	"github.com/eleven-am/stagecoach/internal/domain"
)

type Assignment struct {
	StageID   domain.StageID   `json:"stage_id"`
	Name      string           `json:"name"`
	Command   []string         `json:"command"`
	Inputs    []string         `json:"inputs,omitempty"`
	Outputs   []string         `json:"outputs,omitempty"`
	Resources domain.Resources `json:"resources"`
	Attempt   int              `json:"attempt"`
}

type WorkKind int

const (
	WorkAssigned WorkKind = iota
	WorkNone
	WorkComplete
)

func (k WorkKind) String() string {
	switch k {
	case WorkAssigned:
		return "assigned"
	case WorkNone:
		return "no_work_now"
	case WorkComplete:
		return "pipeline_complete"
	default:
		return "unknown"
	}
}

type WorkResponse struct {
	Kind       WorkKind    `json:"kind"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

type Outcome struct {
	Success  bool     `json:"success"`
	Outputs  []string `json:"outputs,omitempty"`
	ExitCode int      `json:"exit_code"`
	Message  string   `json:"message,omitempty"`
}

type RegisterRequest struct {
	Capacity domain.Capacity `json:"capacity"`
	Host     string          `json:"host,omitempty"`
}

// PipelineService is the RPC surface of the pipeline server. The gRPC
// transport and in-process callers both go through it.
type PipelineService interface {
	RegisterExecutor(ctx context.Context, req RegisterRequest) (string, error)
	RequestStage(ctx context.Context, executorID string) (WorkResponse, error)
	StageStarted(ctx context.Context, executorID string, stageID domain.StageID) error
	ReportResult(ctx context.Context, executorID string, stageID domain.StageID, outcome Outcome) error
	Heartbeat(ctx context.Context, executorID string) error
	Status(ctx context.Context, includeStages bool) (domain.RunSnapshot, error)
	Abort(ctx context.Context) error
}
