package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type StageID string

type StageState int

const (
	StagePending StageState = iota
	StageRunnable
	StageAssigned
	StageRunning
	StageFinished
	StageFailed
	StagePermanentlyFailed
	StageUnreachable
)

var stageStateNames = map[StageState]string{
	StagePending:           "PENDING",
	StageRunnable:          "RUNNABLE",
	StageAssigned:          "ASSIGNED",
	StageRunning:           "RUNNING",
	StageFinished:          "FINISHED",
	StageFailed:            "FAILED",
	StagePermanentlyFailed: "PERMANENTLY_FAILED",
	StageUnreachable:       "UNREACHABLE",
}

// AllStageStates lists every state in lifecycle order.
func AllStageStates() []StageState {
	return []StageState{
		StagePending,
		StageRunnable,
		StageAssigned,
		StageRunning,
		StageFinished,
		StageFailed,
		StagePermanentlyFailed,
		StageUnreachable,
	}
}

func (s StageState) String() string {
	if name, ok := stageStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseStageState is the inverse of String. Unknown names map to StagePending
// with ok == false.
func ParseStageState(name string) (StageState, bool) {
	for state, n := range stageStateNames {
		if n == strings.ToUpper(name) {
			return state, true
		}
	}
	return StagePending, false
}

func (s StageState) IsTerminal() bool {
	return s == StageFinished || s == StagePermanentlyFailed || s == StageUnreachable
}

// InFlight reports whether an executor currently holds the stage.
func (s StageState) InFlight() bool {
	return s == StageAssigned || s == StageRunning
}

func (s StageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StageState) UnmarshalText(text []byte) error {
	state, ok := ParseStageState(string(text))
	if !ok {
		return NewValidationError("stage_state", "unknown stage state "+string(text))
	}
	*s = state
	return nil
}

type Resources struct {
	Cores    int     `json:"cores" yaml:"cores"`
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
	Queue    string  `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// Fits reports whether r can run inside the given capacity.
func (r Resources) Fits(capacity Capacity) bool {
	return r.Cores <= capacity.Cores && r.MemoryGB <= capacity.MemoryGB
}

type Stage struct {
	ID         StageID    `json:"id"`
	Name       string     `json:"name"`
	Command    []string   `json:"command"`
	Inputs     []string   `json:"inputs,omitempty"`
	Outputs    []string   `json:"outputs,omitempty"`
	Resources  Resources  `json:"resources"`
	State      StageState `json:"state"`
	Retries    int        `json:"retries"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
	Executor   string     `json:"executor,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (s *Stage) Clone() *Stage {
	c := *s
	c.Command = append([]string(nil), s.Command...)
	c.Inputs = append([]string(nil), s.Inputs...)
	c.Outputs = append([]string(nil), s.Outputs...)
	return &c
}

func (s *Stage) CommandLine() string {
	return strings.Join(s.Command, " ")
}

// DeriveStageID hashes the command and declared outputs. Two definitions that
// run the same command into the same files are the same stage.
func DeriveStageID(command []string, outputs []string) StageID {
	h := sha256.New()
	for _, arg := range command {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, out := range outputs {
		h.Write([]byte(out))
		h.Write([]byte{0})
	}
	return StageID(hex.EncodeToString(h.Sum(nil))[:16])
}

type StageDefinition struct {
	Stage     *Stage
	DependsOn []StageID
}
