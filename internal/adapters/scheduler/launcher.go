package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/metrics"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// launcher keeps NumExecutors executor jobs alive through the queue backend.
// A job that ends while the pipeline still has work counts as lost; once
// MaxFailedExecutors jobs are lost no further jobs are submitted, and the run
// fails as soon as no executor is left registered.
type launcher struct {
	jobs     []ports.JobHandle
	lost     int
	launched int
	gaveUp   bool
}

func (s *Server) runLauncher(ctx context.Context) {
	defer s.wg.Done()
	l := &launcher{}

	if s.cfg.ExecutorStartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ExecutorStartDelay):
		}
	}

	ticker := time.NewTicker(s.cfg.LaunchInterval)
	defer ticker.Stop()

	s.launchTick(ctx, l)
	for {
		select {
		case <-ctx.Done():
			s.cancelJobs(l)
			return
		case <-s.done:
			if s.aborting.Load() {
				s.cancelJobs(l)
			}
			return
		case <-ticker.C:
			s.launchTick(ctx, l)
		}
	}
}

func (s *Server) launchTick(ctx context.Context, l *launcher) {
	active := l.jobs[:0]
	for _, job := range l.jobs {
		state, err := s.backend.Poll(ctx, job)
		if err != nil {
			s.logger.Warn("failed to poll executor job", "job_id", job.ID, "backend", job.Backend, "error", err)
			active = append(active, job)
			continue
		}
		if state == ports.JobRunning {
			active = append(active, job)
			continue
		}
		if s.hasWork() {
			l.lost++
			metrics.LaunchesTotal.WithLabelValues(s.backend.Name(), "lost").Inc()
			s.logger.Warn("executor job ended while work remains", "job_id", job.ID, "state", state, "lost", l.lost)
		}
	}
	l.jobs = active

	if !s.hasWork() || s.aborting.Load() {
		return
	}
	if s.cfg.MaxFailedExecutors > 0 && l.lost >= s.cfg.MaxFailedExecutors {
		if !l.gaveUp {
			l.gaveUp = true
			s.logger.Error("too many executors lost, no longer launching",
				"lost", l.lost,
				"max_failed_executors", s.cfg.MaxFailedExecutors)
		}
		s.failIfStranded()
		return
	}

	cmd, spec := s.launchRequest()
	for len(l.jobs) < s.cfg.NumExecutors {
		handle, err := s.backend.Submit(ctx, cmd, spec)
		if err != nil {
			metrics.LaunchesTotal.WithLabelValues(s.backend.Name(), "error").Inc()
			s.logger.Error("failed to launch executor", "backend", s.backend.Name(), "error", err)
			return
		}
		l.launched++
		l.jobs = append(l.jobs, handle)
		metrics.LaunchesTotal.WithLabelValues(s.backend.Name(), "submitted").Inc()
		s.logger.Info("launched executor", "job_id", handle.ID, "backend", handle.Backend, "launched", l.launched)
	}
}

// launchRequest builds the command and resources for the next executor job.
// Unless Greedy is set, memory is trimmed to the largest request among the
// stages still waiting to run.
func (s *Server) launchRequest() (ports.WorkerCommand, ports.ResourceSpec) {
	cmd := s.cfg.Worker
	cmd.Name = s.cfg.RunID
	spec := s.cfg.WorkerResources
	if s.cfg.Greedy || spec.MemoryGB <= 0 {
		return cmd, spec
	}

	s.mu.Lock()
	need := s.graph.MaxWaitingMemory()
	s.mu.Unlock()
	if need <= 0 || need >= spec.MemoryGB {
		return cmd, spec
	}
	spec.MemoryGB = need
	cmd.Args = withFlag(cmd.Args, "--memory-gb", strconv.FormatFloat(need, 'f', -1, 64))
	return cmd, spec
}

// withFlag returns a copy of args with the value of flag replaced, or with
// the flag appended when it is absent.
func withFlag(args []string, flag, value string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == flag {
			out[i+1] = value
			return out
		}
	}
	return append(out, flag, value)
}

// hasWork reports whether the run is still going and some stage is not yet
// in a terminal state.
func (s *Server) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := s.graph.Counts()
	if s.statusLocked().IsTerminal() {
		return false
	}
	return counts[domain.StagePending]+counts[domain.StageRunnable]+counts[domain.StageAssigned]+counts[domain.StageRunning] > 0
}

// failIfStranded fails the run when the launcher has given up and no
// executor is registered to pick up the remaining stages.
func (s *Server) failIfStranded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.executors) > 0 || s.stranded.Load() {
		return
	}
	s.stranded.Store(true)
	counts := s.graph.Counts()
	s.logger.Error("no executors left to run remaining stages, failing run",
		"runnable", counts[domain.StageRunnable],
		"pending", counts[domain.StagePending])
	s.checkDoneLocked()
}

func (s *Server) cancelJobs(l *launcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, job := range l.jobs {
		if err := s.backend.Cancel(ctx, job); err != nil {
			s.logger.Warn("failed to cancel executor job", "job_id", job.ID, "error", err)
		}
	}
	l.jobs = nil
}
