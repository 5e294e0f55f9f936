package graph

import (
	"github.com/eleven-am/stagecoach/internal/domain"
)

// MarkAssigned binds a runnable stage to an executor and takes it off the
// frontier.
func (g *Graph) MarkAssigned(id domain.StageID, executorID string) error {
	n, err := g.lookup(id)
	if err != nil {
		return err
	}
	if n.stage.State != domain.StageRunnable {
		return &domain.InvalidTransitionError{ID: id, From: n.stage.State, To: domain.StageAssigned}
	}
	g.setState(n, domain.StageAssigned)
	n.stage.Executor = executorID
	return nil
}

func (g *Graph) MarkRunning(id domain.StageID) error {
	n, err := g.lookup(id)
	if err != nil {
		return err
	}
	switch n.stage.State {
	case domain.StageRunning:
		return nil
	case domain.StageAssigned:
		g.setState(n, domain.StageRunning)
		return nil
	default:
		return &domain.InvalidTransitionError{ID: id, From: n.stage.State, To: domain.StageRunning}
	}
}

// MarkFinished completes a stage and returns the successors whose last unmet
// dependency it was. Work done is proportional to the stage's out-degree.
func (g *Graph) MarkFinished(id domain.StageID) ([]domain.StageID, error) {
	n, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	switch n.stage.State {
	case domain.StageAssigned, domain.StageRunning, domain.StageRunnable:
	default:
		return nil, &domain.InvalidTransitionError{ID: id, From: n.stage.State, To: domain.StageFinished}
	}

	g.setState(n, domain.StageFinished)
	n.stage.Executor = ""
	n.stage.LastError = ""

	var unlocked []domain.StageID
	for _, succID := range n.succs {
		succ := g.nodes[succID]
		succ.unmet--
		if succ.unmet == 0 && succ.stage.State == domain.StagePending {
			g.setState(succ, domain.StageRunnable)
			unlocked = append(unlocked, succID)
		}
	}
	return unlocked, nil
}

type FailureResult struct {
	Retrying    bool
	Retries     int
	Unreachable []domain.StageID
}

// MarkFailed records a failed attempt. The stage goes back to the frontier
// while its retry count stays within MaxRetries; past that it becomes
// PERMANENTLY_FAILED and every transitive successor becomes UNREACHABLE.
func (g *Graph) MarkFailed(id domain.StageID, reason string) (FailureResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return FailureResult{}, err
	}
	if !n.stage.State.InFlight() {
		return FailureResult{}, &domain.InvalidTransitionError{ID: id, From: n.stage.State, To: domain.StageFailed}
	}

	g.setState(n, domain.StageFailed)
	n.stage.Executor = ""
	n.stage.LastError = reason
	n.stage.Retries++

	if n.stage.Retries <= n.stage.MaxRetries {
		g.setState(n, domain.StageRunnable)
		return FailureResult{Retrying: true, Retries: n.stage.Retries}, nil
	}

	g.setState(n, domain.StagePermanentlyFailed)
	var unreachable []domain.StageID
	for _, succID := range n.succs {
		unreachable = append(unreachable, g.markUnreachable(succID)...)
	}
	return FailureResult{Retries: n.stage.Retries, Unreachable: unreachable}, nil
}

// markUnreachable walks the downstream closure of id. Stages already in a
// terminal state are left alone, so each stage is marked at most once.
func (g *Graph) markUnreachable(id domain.StageID) []domain.StageID {
	var marked []domain.StageID
	stack := []domain.StageID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := g.nodes[cur]
		if n.stage.State.IsTerminal() {
			continue
		}
		g.setState(n, domain.StageUnreachable)
		n.stage.Executor = ""
		marked = append(marked, cur)
		stack = append(stack, n.succs...)
	}
	return marked
}

// ReclaimReason is recorded as the last error of a stage taken back from a
// lost executor.
const ReclaimReason = "executor lost"

// Reclaim detaches a stage from a lost executor. The lost attempt counts
// against MaxRetries the same as a failed run.
func (g *Graph) Reclaim(id domain.StageID) (FailureResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return FailureResult{}, err
	}
	if !n.stage.State.InFlight() {
		return FailureResult{}, &domain.InvalidTransitionError{ID: id, From: n.stage.State, To: domain.StageRunnable}
	}
	return g.MarkFailed(id, ReclaimReason)
}

// RestoreFinished replays stages recorded as finished by a previous run. A
// stage is restored only once all of its dependencies are finished, so a
// journal entry whose upstream has to run again is ignored.
func (g *Graph) RestoreFinished(finished map[domain.StageID]bool) []domain.StageID {
	var restored []domain.StageID
	queue := make([]domain.StageID, 0, len(g.frontier))
	for id := range g.frontier {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if !finished[id] {
			continue
		}
		unlocked, err := g.MarkFinished(id)
		if err != nil {
			continue
		}
		restored = append(restored, id)
		queue = append(queue, unlocked...)
	}
	return restored
}
