package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/metrics"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// exitStartFailure is reported when the command never started.
const exitStartFailure = -1

// prologueScript sources the file in $1, then replaces the shell with the
// stage command.
const prologueScript = `. "$1" || exit 127; shift; exec "$@"`

type processRunner struct {
	logDir   string
	workDir  string
	prologue string
	logger   *slog.Logger
}

// run executes the stage command with stdout and stderr in a per-stage log
// file. It never returns an error: every problem becomes a failed outcome.
func (p *processRunner) run(ctx context.Context, a ports.Assignment) ports.Outcome {
	start := time.Now()
	outcome := p.exec(ctx, a)

	label := "success"
	if !outcome.Success {
		label = "failure"
	}
	metrics.StageDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return outcome
}

func (p *processRunner) exec(ctx context.Context, a ports.Assignment) ports.Outcome {
	if len(a.Command) == 0 {
		return ports.Outcome{ExitCode: exitStartFailure, Message: "stage has no command"}
	}

	logFile, err := p.openLog(a)
	if err != nil {
		return ports.Outcome{ExitCode: exitStartFailure, Message: err.Error()}
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "# stage %s attempt %d\n# %v\n", a.StageID, a.Attempt, a.Command)

	cmd := p.command(ctx, a.Command)
	cmd.Dir = p.workDir
	cmd.Env = append(os.Environ(), stageEnv(a)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return ports.Outcome{ExitCode: exitStartFailure, Message: fmt.Sprintf("failed to start command: %v", err)}
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ports.Outcome{
				ExitCode: exitErr.ExitCode(),
				Message:  fmt.Sprintf("%s (log: %s)", exitErr.Error(), logFile.Name()),
			}
		}
		return ports.Outcome{ExitCode: exitStartFailure, Message: err.Error()}
	}

	return ports.Outcome{Success: true, Outputs: p.existingOutputs(a.Outputs)}
}

func (p *processRunner) command(ctx context.Context, argv []string) *exec.Cmd {
	if p.prologue == "" {
		return exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	args := append([]string{"-c", prologueScript, "stagecoach-prologue", p.prologue}, argv...)
	return exec.CommandContext(ctx, "/bin/sh", args...)
}

// stageEnv caps the thread pools of common runtimes at the stage's declared
// cores. Later entries win over the inherited environment.
func stageEnv(a ports.Assignment) []string {
	env := []string{
		"STAGECOACH_STAGE_ID=" + string(a.StageID),
		"STAGECOACH_ATTEMPT=" + strconv.Itoa(a.Attempt),
	}
	if a.Resources.Cores > 0 {
		cores := strconv.Itoa(a.Resources.Cores)
		env = append(env, "OMP_NUM_THREADS="+cores, "GOMAXPROCS="+cores)
	}
	return env
}

func (p *processRunner) openLog(a ports.Assignment) (*os.File, error) {
	dir := p.logDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage log dir: %w", err)
	}
	name := fmt.Sprintf("%s.%d.log", a.StageID, a.Attempt)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create stage log: %w", err)
	}
	return f, nil
}

// existingOutputs returns the declared outputs present on disk, relative
// paths resolved against the work directory.
func (p *processRunner) existingOutputs(declared []string) []string {
	var present []string
	for _, out := range declared {
		path := out
		if !filepath.IsAbs(path) && p.workDir != "" {
			path = filepath.Join(p.workDir, path)
		}
		if _, err := os.Stat(path); err == nil {
			present = append(present, out)
		} else {
			p.logger.Debug("declared output missing", "output", out)
		}
	}
	return present
}
