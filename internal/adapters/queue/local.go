// Package queue launches executor processes through a cluster manager.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/google/uuid"
)

const (
	BackendLocal      = "local"
	BackendSGE        = "sge"
	BackendKubernetes = "kubernetes"
)

type localJob struct {
	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}
	err  error
}

// Local runs executors as child processes of the server.
type Local struct {
	logDir string
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
}

var _ ports.QueueBackend = (*Local)(nil)

func NewLocal(logDir string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		logDir: logDir,
		logger: logger.With("component", "queue", "backend", BackendLocal),
		jobs:   make(map[string]*localJob),
	}
}

func (l *Local) Name() string { return BackendLocal }

func (l *Local) Submit(ctx context.Context, cmd ports.WorkerCommand, spec ports.ResourceSpec) (ports.JobHandle, error) {
	if len(cmd.Args) == 0 {
		return ports.JobHandle{}, domain.NewValidationError("worker_command", "empty command")
	}

	id := uuid.New().String()
	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Env = mergeEnv(os.Environ(), cmd.Env)

	var logFile *os.File
	if l.logDir != "" {
		if err := os.MkdirAll(l.logDir, 0o755); err != nil {
			return ports.JobHandle{}, fmt.Errorf("create executor log dir: %w", err)
		}
		f, err := os.Create(filepath.Join(l.logDir, fmt.Sprintf("executor-%s.log", id[:8])))
		if err != nil {
			return ports.JobHandle{}, fmt.Errorf("create executor log: %w", err)
		}
		logFile = f
		c.Stdout = f
		c.Stderr = f
	}

	if err := c.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return ports.JobHandle{}, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to start local executor",
			Details: map[string]interface{}{"command": cmd.Args[0], "error": err.Error()},
		}
	}

	job := &localJob{cmd: c, log: logFile, done: make(chan struct{})}
	go func() {
		job.err = c.Wait()
		if job.log != nil {
			job.log.Close()
		}
		close(job.done)
	}()

	l.mu.Lock()
	l.jobs[id] = job
	l.mu.Unlock()

	l.logger.Debug("executor process started", "job_id", id, "pid", c.Process.Pid, "cores", spec.Cores, "memory_gb", spec.MemoryGB)
	return ports.JobHandle{ID: id, Backend: BackendLocal}, nil
}

func (l *Local) Poll(ctx context.Context, handle ports.JobHandle) (ports.JobState, error) {
	job, ok := l.job(handle.ID)
	if !ok {
		return ports.JobUnknown, nil
	}
	select {
	case <-job.done:
		if job.err != nil {
			l.logger.Debug("executor process exited", "job_id", handle.ID, "error", job.err)
		}
		return ports.JobFinished, nil
	default:
		return ports.JobRunning, nil
	}
}

func (l *Local) Cancel(ctx context.Context, handle ports.JobHandle) error {
	job, ok := l.job(handle.ID)
	if !ok {
		return nil
	}
	select {
	case <-job.done:
		return nil
	default:
	}
	if err := job.cmd.Process.Kill(); err != nil {
		select {
		case <-job.done:
			return nil
		default:
		}
		return fmt.Errorf("kill executor %s: %w", handle.ID, err)
	}
	select {
	case <-job.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (l *Local) job(id string) (*localJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	return job, ok
}

func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string(nil), base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
