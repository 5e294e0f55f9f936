package scheduler

import (
	"context"
	"time"

	"github.com/eleven-am/stagecoach/internal/adapters/graph"
	"github.com/eleven-am/stagecoach/internal/adapters/metrics"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
)

func (s *Server) runSweeper(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops executors that have been silent for longer than the heartbeat
// grace period and takes their stages back. Each reclaim uses up one retry of
// the stage. Running it twice in a row has no further effect.
func (s *Server) Sweep() []domain.StageID {
	now := s.now()

	s.mu.Lock()
	var (
		lost      []string
		reclaimed []domain.StageID
		records   []ports.JournalRecord
	)
	for id, rec := range s.executors {
		if !rec.Expired(now, s.cfg.HeartbeatGrace) {
			continue
		}
		delete(s.executors, id)
		lost = append(lost, id)

		if rec.Assigned == "" {
			continue
		}
		stage, ok := s.graph.Stage(rec.Assigned)
		if !ok || !stage.State.InFlight() || stage.Executor != id {
			continue
		}
		res, err := s.graph.Reclaim(rec.Assigned)
		if err != nil {
			s.logger.Error("failed to reclaim stage", "stage_id", rec.Assigned, "executor_id", id, "error", err)
			continue
		}
		reclaimed = append(reclaimed, rec.Assigned)
		if jr := s.recordFailureLocked(rec.Assigned, res, graph.ReclaimReason); jr != nil {
			records = append(records, *jr)
		}
	}
	remaining := len(s.executors)
	counts := s.graph.Counts()
	s.checkDoneLocked()
	s.mu.Unlock()

	if len(lost) == 0 {
		return nil
	}

	metrics.ExecutorsRegistered.Set(float64(remaining))
	metrics.ReclaimsTotal.Add(float64(len(reclaimed)))
	metrics.ObserveCounts(counts)
	s.logger.Warn("removed unresponsive executors",
		"executors", lost,
		"reclaimed_stages", reclaimed,
		"grace", s.cfg.HeartbeatGrace)

	if s.journal != nil {
		for _, jr := range records {
			if err := s.journal.Append(context.Background(), jr); err != nil {
				s.logger.Warn("failed to journal stage outcome", "stage_id", jr.StageID, "error", err)
			}
		}
	}
	return reclaimed
}
