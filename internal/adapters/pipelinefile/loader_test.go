package pipelinefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registrationPipeline = `
variable "out" {
  default = "/scratch/run"
}

stage "blur" {
  command   = ["mincblur", "-fwhm", "4", "in.mnc", "${var.out}/blur"]
  inputs    = ["in.mnc"]
  outputs   = ["${var.out}/blur_blur.mnc"]
  memory_gb = 2
}

stage "register" {
  command     = ["minctracc", "${var.out}/blur_blur.mnc", "${var.out}/xfm"]
  inputs      = ["${var.out}/blur_blur.mnc"]
  outputs     = [format("%s/%s", var.out, "xfm")]
  cores       = 4
  max_retries = 5
  queue       = "all.q"
}

stage "report" {
  command    = ["echo", upper("done")]
  depends_on = ["register"]
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newLoader(overrides map[string]string) *Loader {
	return NewLoader(nil, Defaults{Cores: 1, MemoryGB: 1.75, MaxRetries: 2}, overrides)
}

func TestLoader_LoadsStagesWithVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.hcl", registrationPipeline)

	defs, err := newLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, defs, 3)

	blur := defs[0].Stage
	assert.Equal(t, domain.StageID("blur"), blur.ID)
	assert.Equal(t, []string{"mincblur", "-fwhm", "4", "in.mnc", "/scratch/run/blur"}, blur.Command)
	assert.Equal(t, []string{"/scratch/run/blur_blur.mnc"}, blur.Outputs)
	assert.Equal(t, 1, blur.Resources.Cores)
	assert.Equal(t, 2.0, blur.Resources.MemoryGB)
	assert.Equal(t, 2, blur.MaxRetries)

	reg := defs[1].Stage
	assert.Equal(t, 4, reg.Resources.Cores)
	assert.Equal(t, 1.75, reg.Resources.MemoryGB)
	assert.Equal(t, 5, reg.MaxRetries)
	assert.Equal(t, "all.q", reg.Resources.Queue)
	assert.Equal(t, []string{"/scratch/run/xfm"}, reg.Outputs)

	report := defs[2]
	assert.Equal(t, []string{"echo", "DONE"}, report.Stage.Command)
	assert.Equal(t, []domain.StageID{"register"}, report.DependsOn)
}

func TestLoader_OverridesReplaceDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.hcl", registrationPipeline)

	defs, err := newLoader(map[string]string{"out": "/tmp/other"}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/other/blur_blur.mnc"}, defs[0].Stage.Outputs)
}

func TestLoader_BuildsGraphWithInferredEdges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.hcl", registrationPipeline)

	defs, err := newLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)

	g, err := graph.Build(defs, graph.BuildOptions{InferFromFiles: true})
	require.NoError(t, err)
	assert.Equal(t, []domain.StageID{"blur"}, g.Predecessors("register"))
	assert.Equal(t, []domain.StageID{"register"}, g.Predecessors("report"))
	assert.Equal(t, []domain.StageID{"blur"}, g.Frontier())
}

func TestLoader_WalksDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.hcl", `stage "one" { command = ["true"] }`)
	writeFile(t, dir, "b.hcl", `stage "two" {
  command    = ["true"]
  depends_on = ["one"]
}`)
	writeFile(t, dir, "notes.txt", "ignored")

	defs, err := newLoader(nil).Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, domain.StageID("one"), defs[0].Stage.ID)
	assert.Equal(t, domain.StageID("two"), defs[1].Stage.ID)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: `stage "x" { command = [ }`},
		{name: "missing command", content: `stage "x" { inputs = ["a"] }`},
		{name: "empty command", content: `stage "x" { command = [] }`},
		{name: "bad cores", content: `stage "x" {
  command = ["true"]
  cores   = 0
}`},
		{name: "unknown variable", content: `stage "x" { command = [var.nope] }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "p.hcl", tt.content)
			_, err := newLoader(nil).Load(context.Background(), path)
			assert.Error(t, err)
		})
	}
}

func TestLoader_NoFiles(t *testing.T) {
	_, err := newLoader(nil).Load(context.Background(), t.TempDir())
	assert.Error(t, err)
}
