// Package cli parses the command lines of the stagecoach binaries into
// validated configs and runs them.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/status"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

// ExitError carries the process exit status for a parse failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

// vars collects repeated --var name=value flags.
type vars map[string]string

func (v vars) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+v[k])
	}
	return strings.Join(parts, ",")
}

func (v vars) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v[name] = value
	return nil
}

// common holds the flags every binary accepts.
type common struct {
	configPath string
	runID      string
	uriFile    string
	logLevel   string
	logFormat  string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to a YAML config file.")
	fs.StringVar(&c.runID, "run-id", "", "Identifier of the pipeline run.")
	fs.StringVar(&c.uriFile, "uri-file", "", "File holding the server address.")
	fs.StringVar(&c.logLevel, "log-level", "", "Logging level: debug, info, warn or error.")
	fs.StringVar(&c.logFormat, "log-format", "", "Log output format: text or json.")
}

// load reads the config file and merges the non-zero flag values over it.
func (c *common) load(stderr io.Writer, apply func(o *domain.Config)) (*domain.Config, error) {
	cfg, err := domain.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}

	var o domain.Config
	o.RunID = c.runID
	o.Server.URIFile = c.uriFile
	o.Log.Level = c.logLevel
	o.Log.Format = c.logFormat
	if apply != nil {
		apply(&o)
	}
	if err := cfg.ApplyOverrides(o); err != nil {
		return nil, err
	}
	if cfg.RunID == "" {
		cfg.RunID = os.Getenv("STAGECOACH_RUN_ID")
	}

	cfg.Logger = ports.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func newFlagSet(name, usage string, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, usage)
		fs.PrintDefaults()
	}
	return fs
}

func parse(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, usageError(err)
	}
	return false, nil
}

// ServerOptions is a parsed stagecoach-server command line.
type ServerOptions struct {
	Config    *domain.Config
	Pipelines []string
	Vars      map[string]string
}

const serverUsage = `
stagecoach-server runs a pipeline and hands its stages to executors.

Usage:
  stagecoach-server [options] PIPELINE...

Arguments:
  PIPELINE
    An HCL file or a directory of HCL files defining stages.

Options:
`

// ParseServer parses server arguments. It returns shouldExit when help was
// requested.
func ParseServer(args []string, output io.Writer) (*ServerOptions, bool, error) {
	fs := newFlagSet("stagecoach-server", serverUsage, output)

	var c common
	c.register(fs)
	pipelineVars := vars{}
	fs.Var(pipelineVars, "var", "Pipeline variable as name=value. Repeatable.")
	bind := fs.String("bind", "", "Address the RPC server listens on.")
	port := fs.Int("port", 0, "RPC port. 0 picks a free port.")
	advertise := fs.String("advertise", "", "Host executors should dial.")
	numExecutors := fs.Int("num-executors", 0, "Number of executors to keep launched.")
	queueType := fs.String("queue", "", "Queue backend: local, sge or kubernetes.")
	maxRetries := fs.Int("max-retries", 0, "Retries allowed per stage.")
	dryRun := fs.Bool("dry-run", false, "Build the graph and exit without running stages.")
	graphFile := fs.String("graph-file", "", "Write the stage graph in DOT format to this file.")
	dataDir := fs.String("data-dir", "", "Directory for the journal and logs.")
	noJournal := fs.Bool("no-journal", false, "Disable the restart journal.")
	mdns := fs.Bool("mdns", false, "Advertise the server over mDNS.")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address.")
	greedy := fs.Bool("greedy", false, "Submit executors with their full memory instead of what waiting stages need.")
	prologue := fs.String("prologue-file", "", "Shell script executors source before each stage.")

	if exit, err := parse(fs, args); exit || err != nil {
		return nil, exit, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, false, &ExitError{Code: 2, Message: "at least one pipeline path is required"}
	}

	cfg, err := c.load(output, func(o *domain.Config) {
		o.DataDir = *dataDir
		o.Server.BindAddr = *bind
		o.Server.Port = *port
		o.Server.AdvertiseHost = *advertise
		o.Server.NumExecutors = *numExecutors
		o.Server.MaxRetries = *maxRetries
		o.Server.DryRun = *dryRun
		o.Server.GraphFile = *graphFile
		o.Queue.Type = domain.QueueType(*queueType)
		o.Discovery.MDNS = *mdns
		o.Executor.Greedy = *greedy
		o.Executor.PrologueFile = absPath(*prologue)
		if *metricsAddr != "" {
			o.Metrics.Enabled = true
			o.Metrics.Address = *metricsAddr
		}
	})
	if err != nil {
		return nil, false, err
	}
	// Zero values cannot override through a merge.
	if *noJournal {
		cfg.Journal.Enabled = false
	}
	if *numExecutors == 0 && isSet(fs, "num-executors") {
		cfg.Server.NumExecutors = 0
	}
	if *maxRetries == 0 && isSet(fs, "max-retries") {
		cfg.Server.MaxRetries = 0
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	return &ServerOptions{Config: cfg, Pipelines: fs.Args(), Vars: pipelineVars}, false, nil
}

// ExecutorOptions is a parsed stagecoach-executor command line.
type ExecutorOptions struct {
	Config  *domain.Config
	Address string
}

const executorUsage = `
stagecoach-executor pulls stages from a pipeline server and runs them.

Usage:
  stagecoach-executor [options]

Options:
`

func ParseExecutor(args []string, output io.Writer) (*ExecutorOptions, bool, error) {
	fs := newFlagSet("stagecoach-executor", executorUsage, output)

	var c common
	c.register(fs)
	server := fs.String("server", "", "Server address as host:port.")
	cores := fs.Int("cores", 0, "Cores this executor offers.")
	memory := fs.Float64("memory-gb", 0, "Memory in GB this executor offers.")
	logDir := fs.String("log-dir", "", "Directory for per-stage logs.")
	workDir := fs.String("work-dir", "", "Working directory for stage commands.")
	idle := fs.Duration("idle-timeout", 0, "Exit after this long without work.")
	accept := fs.Duration("accept-deadline", 0, "Stop accepting new stages after this long.")
	prologue := fs.String("prologue-file", "", "Shell script to source before each stage.")

	if exit, err := parse(fs, args); exit || err != nil {
		return nil, exit, err
	}

	cfg, err := c.load(output, func(o *domain.Config) {
		o.Executor.ServerAddr = *server
		o.Executor.Capacity = domain.Capacity{Cores: *cores, MemoryGB: *memory}
		o.Executor.LogDir = *logDir
		o.Executor.WorkDir = *workDir
		o.Executor.IdleTimeout = *idle
		o.Executor.AcceptDeadline = *accept
		o.Executor.PrologueFile = absPath(*prologue)
	})
	if err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	return &ExecutorOptions{Config: cfg, Address: cfg.Executor.ServerAddr}, false, nil
}

// StatusOptions is a parsed stagecoach-status command line.
type StatusOptions struct {
	Config  *domain.Config
	Address string
	Render  status.RenderOptions
	Timeout time.Duration
}

const statusUsage = `
stagecoach-status prints the state of a running pipeline.

Usage:
  stagecoach-status [options]

Exit status is 0 while running or completed, 1 when the run failed or was
aborted and 2 when the server cannot be reached.

Options:
`

func ParseStatus(args []string, output io.Writer) (*StatusOptions, bool, error) {
	fs := newFlagSet("stagecoach-status", statusUsage, output)

	var c common
	c.register(fs)
	server := fs.String("server", "", "Server address as host:port.")
	stages := fs.Bool("stages", false, "List every stage.")
	asJSON := fs.Bool("json", false, "Print the snapshot as JSON.")
	timeout := fs.Duration("timeout", 10*time.Second, "Give up after this long.")

	if exit, err := parse(fs, args); exit || err != nil {
		return nil, exit, err
	}

	cfg, err := c.load(output, nil)
	if err != nil {
		return nil, false, err
	}

	opts := status.RenderOptions{Format: status.FormatText, Stages: *stages}
	if *asJSON {
		opts.Format = status.FormatJSON
	}
	return &StatusOptions{Config: cfg, Address: *server, Render: opts, Timeout: *timeout}, false, nil
}

// absPath resolves p so executors started elsewhere find the same file.
func absPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func isSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
