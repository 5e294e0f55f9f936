package ports

import (
	"context"

	"github.com/eleven-am/stagecoach/internal/domain"
)

type JournalRecord struct {
	StageID domain.StageID    `json:"stage_id"`
	State   domain.StageState `json:"state"`
	Retries int               `json:"retries"`
	Error   string            `json:"error,omitempty"`
	Outputs []string          `json:"outputs,omitempty"`
}

// Journal durably records terminal stage outcomes so a restarted server can
// skip work that already finished.
type Journal interface {
	Append(ctx context.Context, rec JournalRecord) error
	Finished(ctx context.Context) (map[domain.StageID]JournalRecord, error)
	Close() error
}
