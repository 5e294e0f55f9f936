package graph

import (
	"fmt"
	"sort"

	"github.com/eleven-am/stagecoach/internal/domain"
)

type BuildOptions struct {
	// InferFromFiles adds an edge A -> B whenever one of B's inputs is one of
	// A's outputs.
	InferFromFiles bool
}

// Build assembles a graph from stage definitions. Forward references are
// allowed; all stages are added before any edge.
func Build(defs []domain.StageDefinition, opts BuildOptions) (*Graph, error) {
	g := New()
	for _, def := range defs {
		if err := g.AddStage(def.Stage, nil); err != nil {
			return nil, err
		}
	}

	producers := map[string]domain.StageID{}
	if opts.InferFromFiles {
		for _, def := range defs {
			for _, out := range def.Stage.Outputs {
				if prev, ok := producers[out]; ok && prev != def.Stage.ID {
					return nil, domain.NewValidationError("outputs",
						fmt.Sprintf("file %s is produced by both %s and %s", out, prev, def.Stage.ID))
				}
				producers[out] = def.Stage.ID
			}
		}
	}

	for _, def := range defs {
		deps := append([]domain.StageID(nil), def.DependsOn...)
		if opts.InferFromFiles {
			deps = append(deps, InferDependencies(def.Stage, producers)...)
		}
		for _, dep := range dedupe(deps) {
			if err := g.AddEdge(dep, def.Stage.ID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// InferDependencies returns the producers of the stage's declared inputs.
func InferDependencies(stage *domain.Stage, producers map[string]domain.StageID) []domain.StageID {
	var deps []domain.StageID
	for _, in := range stage.Inputs {
		if producer, ok := producers[in]; ok && producer != stage.ID {
			deps = append(deps, producer)
		}
	}
	return deps
}

func dedupe(ids []domain.StageID) []domain.StageID {
	seen := make(map[domain.StageID]struct{}, len(ids))
	out := make([]domain.StageID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
