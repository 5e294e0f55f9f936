// Package core wires the adapters into the server, executor and status
// roles. The root package and the executables sit on top of it.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/pipelinefile"
	"github.com/eleven-am/stagecoach/internal/domain"
)

// LoadPipeline reads stage definitions from HCL files or directories and
// builds the run graph. Edges come from depends_on and from matching inputs
// against outputs.
func LoadPipeline(ctx context.Context, config *domain.Config, vars map[string]string, paths ...string) (*graph.Graph, error) {
	if len(paths) == 0 {
		return nil, domain.NewValidationError("pipeline", "no pipeline files given")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loader := pipelinefile.NewLoader(logger, pipelinefile.Defaults{
		Cores:      config.Server.DefaultStageCores,
		MemoryGB:   config.Server.DefaultStageMemoryGB,
		MaxRetries: config.Server.MaxRetries,
	}, vars)

	defs, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(defs, graph.BuildOptions{InferFromFiles: true})
	if err != nil {
		return nil, fmt.Errorf("build pipeline graph: %w", err)
	}
	logger.Info("pipeline loaded", "stages", g.Len(), "files", len(paths))
	return g, nil
}
