package domain

import "time"

type Capacity struct {
	Cores    int     `json:"cores" yaml:"cores"`
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
}

func (c Capacity) Validate() error {
	if c.Cores <= 0 || c.MemoryGB <= 0 {
		return &CapacityError{Capacity: c}
	}
	return nil
}

type ExecutorRecord struct {
	ID            string    `json:"id"`
	Host          string    `json:"host,omitempty"`
	Capacity      Capacity  `json:"capacity"`
	Assigned      StageID   `json:"assigned,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Completed     int       `json:"completed"`
}

func (r *ExecutorRecord) Touch(now time.Time) {
	r.LastHeartbeat = now
}

func (r *ExecutorRecord) Expired(now time.Time, grace time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > grace
}

func (r *ExecutorRecord) Busy() bool {
	return r.Assigned != ""
}
