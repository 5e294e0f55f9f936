// Package pipelinefile reads stage definitions from HCL files.
//
//	variable "out" {
//	  default = "/scratch/run1"
//	}
//
//	stage "blur" {
//	  command   = ["mincblur", "-fwhm", "4", "in.mnc", "${var.out}/blur"]
//	  inputs    = ["in.mnc"]
//	  outputs   = ["${var.out}/blur_blur.mnc"]
//	  cores     = 1
//	  memory_gb = 2
//	}
package pipelinefile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

type Defaults struct {
	Cores      int
	MemoryGB   float64
	MaxRetries int
}

type Loader struct {
	logger    *slog.Logger
	defaults  Defaults
	overrides map[string]string
}

func NewLoader(logger *slog.Logger, defaults Defaults, overrides map[string]string) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:    logger.With("component", "pipelinefile"),
		defaults:  defaults,
		overrides: overrides,
	}
}

type variableBlock struct {
	Name    string    `hcl:"name,label"`
	Default cty.Value `hcl:"default,optional"`
}

type stageBlock struct {
	Name       string   `hcl:"name,label"`
	Command    []string `hcl:"command"`
	Inputs     []string `hcl:"inputs,optional"`
	Outputs    []string `hcl:"outputs,optional"`
	DependsOn  []string `hcl:"depends_on,optional"`
	Cores      *int     `hcl:"cores,optional"`
	MemoryGB   *float64 `hcl:"memory_gb,optional"`
	Queue      string   `hcl:"queue,optional"`
	MaxRetries *int     `hcl:"max_retries,optional"`
}

type variablesRoot struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type stagesRoot struct {
	Stages []*stageBlock `hcl:"stage,block"`
}

// Load parses every .hcl file under paths. Variables from all files share one
// namespace; stages are returned in file then declaration order.
func (l *Loader) Load(ctx context.Context, paths ...string) ([]domain.StageDefinition, error) {
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.NewValidationError("paths", "no pipeline files found")
	}

	parser := hclparse.NewParser()
	vars := map[string]cty.Value{}
	var bodies []hcl.Body

	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %s: %w", file, diags)
		}

		var root variablesRoot
		if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decode variables in %s: %w", file, diags)
		}
		for _, v := range root.Variables {
			if v.Default.IsNull() || !v.Default.IsKnown() {
				vars[v.Name] = cty.StringVal("")
				continue
			}
			vars[v.Name] = v.Default
		}
		bodies = append(bodies, root.Remain)
	}

	for name, value := range l.overrides {
		vars[name] = cty.StringVal(value)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
		Functions: functions(),
	}
	if len(vars) == 0 {
		evalCtx.Variables["var"] = cty.EmptyObjectVal
	}

	var defs []domain.StageDefinition
	for i, body := range bodies {
		var root stagesRoot
		if diags := gohcl.DecodeBody(body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decode stages in %s: %w", files[i], diags)
		}
		for _, block := range root.Stages {
			def, err := l.translate(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", files[i], err)
			}
			defs = append(defs, def)
		}
	}

	l.logger.Debug("pipeline files loaded", "files", len(files), "stages", len(defs), "variables", len(vars))
	return defs, nil
}

func (l *Loader) translate(b *stageBlock) (domain.StageDefinition, error) {
	if len(b.Command) == 0 {
		return domain.StageDefinition{}, domain.NewValidationError("command", fmt.Sprintf("stage %q has an empty command", b.Name))
	}

	res := domain.Resources{Cores: l.defaults.Cores, MemoryGB: l.defaults.MemoryGB, Queue: b.Queue}
	if b.Cores != nil {
		res.Cores = *b.Cores
	}
	if b.MemoryGB != nil {
		res.MemoryGB = *b.MemoryGB
	}
	maxRetries := l.defaults.MaxRetries
	if b.MaxRetries != nil {
		maxRetries = *b.MaxRetries
	}
	if res.Cores <= 0 || res.MemoryGB < 0 || maxRetries < 0 {
		return domain.StageDefinition{}, domain.NewValidationError("resources", fmt.Sprintf("stage %q has invalid resources or retries", b.Name))
	}

	deps := make([]domain.StageID, 0, len(b.DependsOn))
	for _, d := range b.DependsOn {
		deps = append(deps, domain.StageID(d))
	}

	return domain.StageDefinition{
		Stage: &domain.Stage{
			ID:         domain.StageID(b.Name),
			Name:       b.Name,
			Command:    b.Command,
			Inputs:     b.Inputs,
			Outputs:    b.Outputs,
			Resources:  res,
			MaxRetries: maxRetries,
		},
		DependsOn: deps,
	}, nil
}

func functions() map[string]function.Function {
	return map[string]function.Function{
		"join":    stdlib.JoinFunc,
		"format":  stdlib.FormatFunc,
		"upper":   stdlib.UpperFunc,
		"lower":   stdlib.LowerFunc,
		"replace": stdlib.ReplaceFunc,
		"concat":  stdlib.ConcatFunc,
	}
}

func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := map[string]struct{}{}
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("access %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		var found []string
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}
	return files, nil
}
