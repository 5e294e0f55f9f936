package ports

import (
	"context"

	"github.com/eleven-am/stagecoach/internal/domain"
)

type JobState int

const (
	JobUnknown JobState = iota
	JobRunning
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type JobHandle struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

// WorkerCommand is the argv that starts one executor process.
type WorkerCommand struct {
	Args []string
	Env  map[string]string
	Name string
}

type ResourceSpec struct {
	Cores    int
	MemoryGB float64
	Queue    string
	WallTime string
}

// QueueBackend launches executor processes. The server only talks to this
// interface, so a new cluster manager is a new implementation.
type QueueBackend interface {
	Name() string
	Submit(ctx context.Context, cmd WorkerCommand, spec ResourceSpec) (JobHandle, error)
	Cancel(ctx context.Context, handle JobHandle) error
	Poll(ctx context.Context, handle JobHandle) (JobState, error)
}

func ResourceSpecFor(capacity domain.Capacity, queue string) ResourceSpec {
	return ResourceSpec{Cores: capacity.Cores, MemoryGB: capacity.MemoryGB, Queue: queue}
}
