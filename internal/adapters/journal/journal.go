// Package journal persists terminal stage outcomes in a single-voter raft log
// backed by badger, so a restarted server can resume a pipeline without
// re-running finished stages.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/goccy/go-json"
	"github.com/hashicorp/raft"
)

type Config struct {
	Dir               string
	NodeID            string
	RetainSnapshots   int
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration
	OpenTimeout       time.Duration
}

// NodeID is the raft server ID of the journal. It must not change between
// restarts: raft refuses to elect a node missing from the configuration it
// bootstrapped with.
const NodeID = "stagecoach"

func ConfigFrom(cfg *domain.Config) Config {
	return Config{
		Dir:               cfg.JournalDir(),
		NodeID:            NodeID,
		RetainSnapshots:   cfg.Journal.RetainSnapshots,
		SnapshotThreshold: cfg.Journal.SnapshotThreshold,
		ApplyTimeout:      cfg.Journal.ApplyTimeout,
		OpenTimeout:       cfg.Journal.OpenTimeout,
	}
}

type Journal struct {
	cfg       Config
	store     *store
	fsm       *fsm
	raft      *raft.Raft
	transport *raft.InmemTransport
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ ports.Journal = (*Journal)(nil)

// Open starts the journal and blocks until the local node holds leadership,
// ctx expires or OpenTimeout passes.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if cfg.NodeID == "" {
		cfg.NodeID = NodeID
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	st, err := openStore(storeConfig{DataDir: cfg.Dir, RetainSnapshots: cfg.RetainSnapshots}, logger)
	if err != nil {
		return nil, err
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 50 * time.Millisecond
	raftConfig.ElectionTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
	raftConfig.CommitTimeout = 5 * time.Millisecond
	if cfg.SnapshotThreshold > 0 {
		raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	}
	raftConfig.Logger = newHCLogger(logger)

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raftConfig.LocalID, Address: addr}},
	}
	err = raft.BootstrapCluster(raftConfig, st.logStore, st.stableStore, st.snapStore, transport, configuration)
	if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		_ = st.close()
		return nil, fmt.Errorf("failed to bootstrap journal: %w", err)
	}

	machine := newFSM(st.stateDB, logger)
	node, err := raft.NewRaft(raftConfig, machine, st.logStore, st.stableStore, st.snapStore, transport)
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	j := &Journal{
		cfg:       cfg,
		store:     st,
		fsm:       machine,
		raft:      node,
		transport: transport,
		logger:    logger,
	}

	if err := j.waitForLeadership(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}

	logger.Info("journal opened", "dir", cfg.Dir, "node_id", cfg.NodeID)
	return j, nil
}

func (j *Journal) waitForLeadership(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if j.raft.State() == raft.Leader {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for leadership: %v", domain.ErrJournalUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (j *Journal) Append(ctx context.Context, rec ports.JournalRecord) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return domain.ErrJournalUnavailable
	}

	data, err := json.Marshal(command{Record: rec})
	if err != nil {
		return err
	}

	timeout := j.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := j.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrJournalUnavailable, err)
	}
	if res, ok := future.Response().(applyResult); ok && res.Err != nil {
		return res.Err
	}
	return nil
}

// Finished returns the records of stages that completed successfully.
func (j *Journal) Finished(ctx context.Context) (map[domain.StageID]ports.JournalRecord, error) {
	all, err := j.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.StageID]ports.JournalRecord, len(all))
	for id, rec := range all {
		if rec.State == domain.StageFinished {
			out[id] = rec
		}
	}
	return out, nil
}

// Records returns the latest record for every journaled stage.
func (j *Journal) Records(ctx context.Context) (map[domain.StageID]ports.JournalRecord, error) {
	if err := j.raft.Barrier(j.cfg.ApplyTimeout).Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrJournalUnavailable, err)
	}
	return j.fsm.records()
}

// Snapshot forces a raft snapshot, compacting the log.
func (j *Journal) Snapshot() error {
	return j.raft.Snapshot().Error()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	var errs []error
	if err := j.raft.Shutdown().Error(); err != nil {
		errs = append(errs, err)
	}
	if err := j.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := j.store.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
