package domain

import "time"

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunAborting  RunStatus = "ABORTING"
	RunAborted   RunStatus = "ABORTED"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

type StageSummary struct {
	ID       StageID    `json:"id"`
	Name     string     `json:"name"`
	State    StageState `json:"state"`
	Retries  int        `json:"retries"`
	Executor string     `json:"executor,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type RunSnapshot struct {
	RunID     string             `json:"run_id"`
	Status    RunStatus          `json:"status"`
	Total     int                `json:"total"`
	Counts    map[StageState]int `json:"counts"`
	Executors int                `json:"executors"`
	Stages    []StageSummary     `json:"stages,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	TakenAt   time.Time          `json:"taken_at"`
}

func (s RunSnapshot) Count(state StageState) int {
	return s.Counts[state]
}

// CountSum is the sum over every per-state counter; it always equals Total.
func (s RunSnapshot) CountSum() int {
	sum := 0
	for _, n := range s.Counts {
		sum += n
	}
	return sum
}

// DeriveRunStatus computes the aggregate status from per-state counts.
// FAILED is only reported once no further progress is possible.
func DeriveRunStatus(counts map[StageState]int, total int, aborting bool) RunStatus {
	if counts[StageFinished] == total {
		return RunCompleted
	}

	inFlight := counts[StageAssigned] + counts[StageRunning]
	if aborting {
		if inFlight > 0 {
			return RunAborting
		}
		return RunAborted
	}

	progress := counts[StageRunnable] + counts[StageFailed] + inFlight
	if progress == 0 && counts[StagePermanentlyFailed]+counts[StageUnreachable] > 0 {
		return RunFailed
	}
	return RunRunning
}
