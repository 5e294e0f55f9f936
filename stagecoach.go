// Package stagecoach runs multi-stage command pipelines across a pool of
// executors.
//
// A pipeline is a DAG of stages. Each stage is an external command with
// declared input and output files. One server decides which stages are
// runnable and hands them to executors over gRPC; executors are launched
// through a queue backend (local processes, SGE or Kubernetes pods).
//
// Basic usage:
//
//	cfg := stagecoach.DefaultConfig()
//	g, err := stagecoach.LoadPipeline(ctx, cfg, nil, "pipeline.hcl")
//	if err != nil {
//	    return err
//	}
//	server, err := stagecoach.NewServer(cfg, g)
//	if err != nil {
//	    return err
//	}
//	if err := server.Start(ctx); err != nil {
//	    return err
//	}
//	defer server.Stop()
//	snapshot, err := server.Wait(ctx)
package stagecoach

import (
	"context"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/status"
	"github.com/eleven-am/stagecoach/internal/adapters/worker"
	"github.com/eleven-am/stagecoach/internal/core"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// Server owns one pipeline run: scheduling, the RPC endpoint, executor
// launching and the restart journal.
type Server = core.Manager

// Graph is the stage DAG of a run.
type Graph = graph.Graph

// Stage is one command in the pipeline with its files and resources.
type Stage = domain.Stage

type StageID = domain.StageID

type StageState = domain.StageState

type StageDefinition = domain.StageDefinition

type Resources = domain.Resources

type Capacity = domain.Capacity

// RunSnapshot is a point-in-time view of a run.
type RunSnapshot = domain.RunSnapshot

type RunStatus = domain.RunStatus

// PipelineService is the RPC surface shared by the server and its clients.
type PipelineService = ports.PipelineService

// QueueBackend launches executor processes.
type QueueBackend = ports.QueueBackend

// ExitReason says why an executor stopped.
type ExitReason = worker.ExitReason

// StatusClient fetches snapshots from a running server.
type StatusClient = status.Client

const (
	StagePending           = domain.StagePending
	StageRunnable          = domain.StageRunnable
	StageAssigned          = domain.StageAssigned
	StageRunning           = domain.StageRunning
	StageFinished          = domain.StageFinished
	StageFailed            = domain.StageFailed
	StagePermanentlyFailed = domain.StagePermanentlyFailed
	StageUnreachable       = domain.StageUnreachable
)

const (
	ExitPipelineComplete = worker.ExitPipelineComplete
	ExitIdle             = worker.ExitIdle
	ExitAcceptDeadline   = worker.ExitAcceptDeadline
)

const (
	RunRunning   = domain.RunRunning
	RunCompleted = domain.RunCompleted
	RunFailed    = domain.RunFailed
	RunAborting  = domain.RunAborting
	RunAborted   = domain.RunAborted
)

// NewGraph returns an empty graph for building a pipeline in code.
func NewGraph() *Graph {
	return graph.New()
}

// LoadPipeline reads HCL stage definitions from files or directories. vars
// override variable defaults declared in the files.
func LoadPipeline(ctx context.Context, config *Config, vars map[string]string, paths ...string) (*Graph, error) {
	return core.LoadPipeline(ctx, config, vars, paths...)
}

// NewServer prepares a run of g. Executors are launched with the backend
// selected by config.Queue.Type.
func NewServer(config *Config, g *Graph) (*Server, error) {
	return core.NewWithConfig(config, g, nil)
}

// NewServerWithBackend is NewServer with a caller-supplied queue backend.
func NewServerWithBackend(config *Config, g *Graph, backend QueueBackend) (*Server, error) {
	return core.NewWithConfig(config, g, backend)
}

// RunExecutor runs an executor until the pipeline completes. address may be
// empty, in which case the uri file and then mDNS are consulted.
func RunExecutor(ctx context.Context, config *Config, address string) (ExitReason, error) {
	return core.RunExecutor(ctx, config, address)
}

// NewStatusClient returns a read-only client for the server at address, or
// the one found through the uri file or mDNS when address is empty.
func NewStatusClient(config *Config, address string) *StatusClient {
	return core.NewStatusClient(config, address)
}
