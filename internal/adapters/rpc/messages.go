package rpc

import (
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

type RegisterExecutorRequest struct {
	Capacity domain.Capacity `json:"capacity"`
	Host     string          `json:"host,omitempty"`
}

type RegisterExecutorResponse struct {
	ExecutorID string `json:"executor_id"`
}

type ExecutorRequest struct {
	ExecutorID string `json:"executor_id"`
}

type RequestStageResponse struct {
	Kind       string            `json:"kind"`
	Assignment *ports.Assignment `json:"assignment,omitempty"`
}

type StageStartedRequest struct {
	ExecutorID string         `json:"executor_id"`
	StageID    domain.StageID `json:"stage_id"`
}

type ReportResultRequest struct {
	ExecutorID string         `json:"executor_id"`
	StageID    domain.StageID `json:"stage_id"`
	Outcome    ports.Outcome  `json:"outcome"`
}

type StatusRequest struct {
	IncludeStages bool `json:"include_stages"`
}

// StatusResponse is the wire form of domain.RunSnapshot. Counts are keyed by
// state name.
type StatusResponse struct {
	RunID     string                `json:"run_id"`
	Status    domain.RunStatus      `json:"status"`
	Total     int                   `json:"total"`
	Counts    map[string]int        `json:"counts"`
	Executors int                   `json:"executors"`
	Stages    []domain.StageSummary `json:"stages,omitempty"`
	StartedAt time.Time             `json:"started_at"`
	TakenAt   time.Time             `json:"taken_at"`
}

type Empty struct{}

func workKindFromString(kind string) ports.WorkKind {
	switch kind {
	case ports.WorkAssigned.String():
		return ports.WorkAssigned
	case ports.WorkComplete.String():
		return ports.WorkComplete
	default:
		return ports.WorkNone
	}
}

func toStatusResponse(snap domain.RunSnapshot) *StatusResponse {
	counts := make(map[string]int, len(snap.Counts))
	for state, n := range snap.Counts {
		counts[state.String()] = n
	}
	return &StatusResponse{
		RunID:     snap.RunID,
		Status:    snap.Status,
		Total:     snap.Total,
		Counts:    counts,
		Executors: snap.Executors,
		Stages:    snap.Stages,
		StartedAt: snap.StartedAt,
		TakenAt:   snap.TakenAt,
	}
}

func (r *StatusResponse) snapshot() domain.RunSnapshot {
	counts := make(map[domain.StageState]int, len(r.Counts))
	for name, n := range r.Counts {
		if state, ok := domain.ParseStageState(name); ok {
			counts[state] = n
		}
	}
	return domain.RunSnapshot{
		RunID:     r.RunID,
		Status:    r.Status,
		Total:     r.Total,
		Counts:    counts,
		Executors: r.Executors,
		Stages:    r.Stages,
		StartedAt: r.StartedAt,
		TakenAt:   r.TakenAt,
	}
}
