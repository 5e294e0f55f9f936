// Package graph holds the stage DAG and its runnable frontier.
//
// A Graph is not safe for concurrent use; the pipeline server serialises all
// access behind its own lock.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/heimdalr/dag"
)

type node struct {
	stage *domain.Stage
	preds []domain.StageID
	succs []domain.StageID
	unmet int
}

type Graph struct {
	dag      *dag.DAG
	nodes    map[domain.StageID]*node
	order    []domain.StageID
	frontier map[domain.StageID]struct{}
	counts   map[domain.StageState]int

	rank      map[domain.StageID]int
	rankDirty bool
}

func New() *Graph {
	return &Graph{
		dag:      dag.NewDAG(),
		nodes:    make(map[domain.StageID]*node),
		frontier: make(map[domain.StageID]struct{}),
		counts:   make(map[domain.StageState]int),
		rank:     make(map[domain.StageID]int),
	}
}

// AddStage inserts a stage and edges from each dependency. Dependencies must
// already be present. The stage starts RUNNABLE when it has no unfinished
// dependency and PENDING otherwise.
func (g *Graph) AddStage(stage *domain.Stage, deps []domain.StageID) error {
	if stage == nil || stage.ID == "" {
		return domain.NewValidationError("stage", "stage id is required")
	}
	if _, exists := g.nodes[stage.ID]; exists {
		return &domain.DuplicateIDError{ID: stage.ID}
	}
	for _, dep := range deps {
		if _, ok := g.nodes[dep]; !ok {
			return &domain.UnknownStageError{ID: dep}
		}
		if dep == stage.ID {
			return &domain.CycleError{From: dep, To: stage.ID}
		}
	}

	if err := g.dag.AddVertexByID(string(stage.ID), string(stage.ID)); err != nil {
		return fmt.Errorf("add vertex %s: %w", stage.ID, err)
	}

	n := &node{stage: stage}
	g.nodes[stage.ID] = n
	g.order = append(g.order, stage.ID)
	stage.State = domain.StageRunnable
	stage.Executor = ""
	g.frontier[stage.ID] = struct{}{}
	g.counts[domain.StageRunnable]++
	g.rankDirty = true

	for _, dep := range deps {
		if err := g.AddEdge(dep, stage.ID); err != nil {
			g.removeStage(stage.ID)
			return err
		}
	}
	return nil
}

// AddEdge records that to depends on from. Both stages must exist and to
// must not have been handed to an executor yet.
func (g *Graph) AddEdge(from, to domain.StageID) error {
	src, ok := g.nodes[from]
	if !ok {
		return &domain.UnknownStageError{ID: from}
	}
	dst, ok := g.nodes[to]
	if !ok {
		return &domain.UnknownStageError{ID: to}
	}
	if from == to {
		return &domain.CycleError{From: from, To: to}
	}
	if st := dst.stage.State; st != domain.StagePending && st != domain.StageRunnable {
		return &domain.InvalidTransitionError{ID: to, From: st, To: domain.StagePending}
	}

	if err := g.dag.AddEdge(string(from), string(to)); err != nil {
		var loopErr dag.EdgeLoopError
		var equalErr dag.SrcDstEqualError
		var dupErr dag.EdgeDuplicateError
		switch {
		case errors.As(err, &dupErr):
			return nil
		case errors.As(err, &loopErr), errors.As(err, &equalErr):
			return &domain.CycleError{From: from, To: to}
		default:
			return fmt.Errorf("add edge %s -> %s: %w", from, to, err)
		}
	}

	src.succs = append(src.succs, to)
	dst.preds = append(dst.preds, from)
	g.rankDirty = true

	switch src.stage.State {
	case domain.StageFinished:
	case domain.StagePermanentlyFailed, domain.StageUnreachable:
		g.markUnreachable(to)
	default:
		dst.unmet++
		if dst.stage.State == domain.StageRunnable {
			g.setState(dst, domain.StagePending)
		}
	}
	return nil
}

func (g *Graph) removeStage(id domain.StageID) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, pred := range n.preds {
		p := g.nodes[pred]
		p.succs = removeID(p.succs, id)
	}
	g.counts[n.stage.State]--
	delete(g.frontier, id)
	delete(g.nodes, id)
	g.order = removeID(g.order, id)
	_ = g.dag.DeleteVertex(string(id))
	g.rankDirty = true
}

func removeID(ids []domain.StageID, id domain.StageID) []domain.StageID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) setState(n *node, state domain.StageState) {
	prev := n.stage.State
	if prev == state {
		return
	}
	g.counts[prev]--
	g.counts[state]++
	n.stage.State = state
	if state == domain.StageRunnable {
		g.frontier[n.stage.ID] = struct{}{}
	} else if prev == domain.StageRunnable {
		delete(g.frontier, n.stage.ID)
	}
}

func (g *Graph) lookup(id domain.StageID) (*node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, &domain.UnknownStageError{ID: id}
	}
	return n, nil
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Stage returns the live stage. Callers must not mutate it.
func (g *Graph) Stage(id domain.StageID) (*domain.Stage, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.stage, true
}

// Stages returns copies of every stage in insertion order.
func (g *Graph) Stages() []*domain.Stage {
	out := make([]*domain.Stage, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].stage.Clone())
	}
	return out
}

func (g *Graph) Predecessors(id domain.StageID) []domain.StageID {
	if n, ok := g.nodes[id]; ok {
		return append([]domain.StageID(nil), n.preds...)
	}
	return nil
}

func (g *Graph) Successors(id domain.StageID) []domain.StageID {
	if n, ok := g.nodes[id]; ok {
		return append([]domain.StageID(nil), n.succs...)
	}
	return nil
}

// MaxWaitingMemory returns the largest memory request among stages that are
// pending or runnable.
func (g *Graph) MaxWaitingMemory() float64 {
	var most float64
	for _, n := range g.nodes {
		if st := n.stage.State; st != domain.StagePending && st != domain.StageRunnable {
			continue
		}
		if n.stage.Resources.MemoryGB > most {
			most = n.stage.Resources.MemoryGB
		}
	}
	return most
}

// Counts returns a copy of the per-state counters.
func (g *Graph) Counts() map[domain.StageState]int {
	out := make(map[domain.StageState]int, len(domain.AllStageStates()))
	for _, state := range domain.AllStageStates() {
		out[state] = g.counts[state]
	}
	return out
}

// Frontier returns the runnable stage ids in dispatch order.
func (g *Graph) Frontier() []domain.StageID {
	g.ensureRank()
	ids := make([]domain.StageID, 0, len(g.frontier))
	for id := range g.frontier {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.rank[ids[i]] < g.rank[ids[j]]
	})
	return ids
}

// NextRunnable returns the best runnable stage without removing it from the
// frontier.
func (g *Graph) NextRunnable() (domain.StageID, bool) {
	return g.NextRunnableMatching(nil)
}

// NextRunnableMatching is NextRunnable restricted to stages accepted by fit.
func (g *Graph) NextRunnableMatching(fit func(*domain.Stage) bool) (domain.StageID, bool) {
	g.ensureRank()
	var best domain.StageID
	bestRank := -1
	for id := range g.frontier {
		r := g.rank[id]
		if bestRank != -1 && r >= bestRank {
			continue
		}
		if fit != nil && !fit(g.nodes[id].stage) {
			continue
		}
		best, bestRank = id, r
	}
	return best, bestRank != -1
}

// Descendants reports how many stages transitively depend on id.
func (g *Graph) Descendants(id domain.StageID) int {
	desc, err := g.dag.GetDescendants(string(id))
	if err != nil {
		return 0
	}
	return len(desc)
}

// ensureRank orders all stages by descendant count (descending) and then id,
// so the stage that unlocks the most downstream work is dispatched first.
func (g *Graph) ensureRank() {
	if !g.rankDirty {
		return
	}
	weight := make(map[domain.StageID]int, len(g.nodes))
	ids := make([]domain.StageID, 0, len(g.nodes))
	for id := range g.nodes {
		weight[id] = g.Descendants(id)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if weight[ids[i]] != weight[ids[j]] {
			return weight[ids[i]] > weight[ids[j]]
		}
		return ids[i] < ids[j]
	})
	g.rank = make(map[domain.StageID]int, len(ids))
	for i, id := range ids {
		g.rank[id] = i
	}
	g.rankDirty = false
}
