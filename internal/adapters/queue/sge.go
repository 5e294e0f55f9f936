package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"sort"
	"strings"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// commandRunner runs an external CLI and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	c := exec.CommandContext(ctx, name, args...)
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()
	return out.Bytes(), err
}

// SGE submits executors with qsub and tracks them with qstat.
type SGE struct {
	cfg       domain.SGEConfig
	queueName string
	queueOpts []string
	logDir    string
	run       commandRunner
	logger    *slog.Logger
}

var _ ports.QueueBackend = (*SGE)(nil)

func NewSGE(cfg domain.QueueConfig, logDir string, logger *slog.Logger) *SGE {
	return newSGE(cfg, logDir, execRunner, logger)
}

func newSGE(cfg domain.QueueConfig, logDir string, run commandRunner, logger *slog.Logger) *SGE {
	if logger == nil {
		logger = slog.Default()
	}
	sge := cfg.SGE
	if sge.QsubPath == "" {
		sge.QsubPath = "qsub"
	}
	if sge.QstatPath == "" {
		sge.QstatPath = "qstat"
	}
	if sge.QdelPath == "" {
		sge.QdelPath = "qdel"
	}
	return &SGE{
		cfg:       sge,
		queueName: cfg.QueueName,
		queueOpts: strings.Fields(cfg.QueueOpts),
		logDir:    logDir,
		run:       run,
		logger:    logger.With("component", "queue", "backend", BackendSGE),
	}
}

func (s *SGE) Name() string { return BackendSGE }

func (s *SGE) Submit(ctx context.Context, cmd ports.WorkerCommand, spec ports.ResourceSpec) (ports.JobHandle, error) {
	if len(cmd.Args) == 0 {
		return ports.JobHandle{}, domain.NewValidationError("worker_command", "empty command")
	}

	args := s.submitArgs(cmd, spec)
	out, err := s.run(ctx, s.cfg.QsubPath, args...)
	if err != nil {
		return ports.JobHandle{}, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "qsub failed",
			Details: map[string]interface{}{"output": strings.TrimSpace(string(out)), "error": err.Error()},
		}
	}

	id := parseJobID(out)
	if id == "" {
		return ports.JobHandle{}, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "qsub returned no job id",
			Details: map[string]interface{}{"output": strings.TrimSpace(string(out))},
		}
	}

	s.logger.Info("executor job submitted", "job_id", id, "queue", s.queueFor(spec))
	return ports.JobHandle{ID: id, Backend: BackendSGE}, nil
}

func (s *SGE) submitArgs(cmd ports.WorkerCommand, spec ports.ResourceSpec) []string {
	name := cmd.Name
	if name == "" {
		name = "stagecoach-executor"
	}
	args := []string{"-terse", "-b", "y", "-cwd", "-j", "y", "-N", name}
	if s.logDir != "" {
		args = append(args, "-o", s.logDir)
	}
	if q := s.queueFor(spec); q != "" {
		args = append(args, "-q", q)
	}
	if s.cfg.ParallelEnv != "" && spec.Cores > 1 {
		args = append(args, "-pe", s.cfg.ParallelEnv, fmt.Sprint(spec.Cores))
	}
	if spec.MemoryGB > 0 {
		args = append(args, "-l", fmt.Sprintf("h_vmem=%dM", int(math.Ceil(spec.MemoryGB*1024))))
	}
	wall := spec.WallTime
	if wall == "" {
		wall = s.cfg.WallTime
	}
	if wall != "" {
		args = append(args, "-l", "h_rt="+wall)
	}
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vars := make([]string, 0, len(keys))
		for _, k := range keys {
			vars = append(vars, k+"="+cmd.Env[k])
		}
		args = append(args, "-v", strings.Join(vars, ","))
	}
	args = append(args, s.queueOpts...)
	return append(args, cmd.Args...)
}

func (s *SGE) queueFor(spec ports.ResourceSpec) string {
	if spec.Queue != "" {
		return spec.Queue
	}
	return s.queueName
}

// Poll treats a job qstat no longer knows about as finished.
func (s *SGE) Poll(ctx context.Context, handle ports.JobHandle) (ports.JobState, error) {
	out, err := s.run(ctx, s.cfg.QstatPath, "-j", handle.ID)
	if err == nil {
		return ports.JobRunning, nil
	}
	if ctx.Err() != nil {
		return ports.JobUnknown, ctx.Err()
	}
	if strings.Contains(strings.ToLower(string(out)), "do not exist") {
		return ports.JobFinished, nil
	}
	return ports.JobUnknown, fmt.Errorf("qstat -j %s: %w: %s", handle.ID, err, strings.TrimSpace(string(out)))
}

func (s *SGE) Cancel(ctx context.Context, handle ports.JobHandle) error {
	out, err := s.run(ctx, s.cfg.QdelPath, handle.ID)
	if err != nil {
		msg := strings.ToLower(string(out))
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "do not exist") {
			return nil
		}
		return fmt.Errorf("qdel %s: %w: %s", handle.ID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseJobID reads the id printed by qsub -terse. Array jobs print
// "id.start-end:step"; only the id is kept.
func parseJobID(out []byte) string {
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return ""
	}
	id := fields[0]
	if i := strings.IndexByte(id, '.'); i > 0 {
		id = id[:i]
	}
	return id
}
