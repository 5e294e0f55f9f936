package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/hashicorp/raft"
	raftbadger "github.com/rfyiamcool/raft-badger"
)

type storeConfig struct {
	DataDir         string
	RetainSnapshots int
}

// store owns the on-disk resources backing the journal: the raft log and
// stable stores, the snapshot directory and the badger database holding the
// applied stage records.
type store struct {
	logStore    raft.LogStore
	stableStore raft.StableStore
	snapStore   raft.SnapshotStore
	stateDB     *badger.DB
	closers     []func() error
	logger      *slog.Logger
	gcQuit      chan struct{}
}

type compatStable struct {
	raft.StableStore
}

func (c compatStable) Get(key []byte) ([]byte, error) {
	v, err := c.StableStore.Get(key)
	if isNotFound(err) {
		return nil, nil
	}
	return v, err
}

func (c compatStable) GetUint64(key []byte) (uint64, error) {
	v, err := c.StableStore.GetUint64(key)
	if isNotFound(err) {
		return 0, nil
	}
	return v, err
}

type compatLog struct {
	raft.LogStore
}

func (c compatLog) GetLog(index uint64, out *raft.Log) error {
	err := c.LogStore.GetLog(index, out)
	if isNotFound(err) {
		return raft.ErrLogNotFound
	}
	return err
}

func (c compatLog) FirstIndex() (uint64, error) {
	idx, err := c.LogStore.FirstIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func (c compatLog) LastIndex() (uint64, error) {
	idx, err := c.LogStore.LastIndex()
	if isNotFound(err) {
		return 0, nil
	}
	return idx, err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, badger.ErrKeyNotFound)
}

func badgerOptions(path string, logger *slog.Logger) badger.Options {
	opts := badger.DefaultOptions(path)
	opts.Logger = &badgerLogger{logger: logger}
	opts.MemTableSize = 16 << 20
	opts.NumMemtables = 2
	opts.NumLevelZeroTables = 2
	opts.NumLevelZeroTablesStall = 4
	opts.BlockCacheSize = 8 << 20
	opts.IndexCacheSize = 8 << 20
	opts.ValueLogFileSize = 16 << 20
	return opts
}

func openStore(cfg storeConfig, logger *slog.Logger) (*store, error) {
	if cfg.DataDir == "" {
		return nil, domain.NewValidationError("journal.dir", "journal directory is required")
	}
	if cfg.RetainSnapshots <= 0 {
		cfg.RetainSnapshots = 2
	}

	logPath := filepath.Join(cfg.DataDir, "raft-log")
	stablePath := filepath.Join(cfg.DataDir, "raft-stable")
	snapPath := filepath.Join(cfg.DataDir, "snapshots")
	statePath := filepath.Join(cfg.DataDir, "state")

	if err := os.MkdirAll(snapPath, 0o755); err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create snapshot directory",
			Details: map[string]interface{}{"path": snapPath, "error": err.Error()},
		}
	}

	s := &store{logger: logger, gcQuit: make(chan struct{})}

	logOpts := badgerOptions(logPath, logger.With("component", "badger-log"))
	logStore, err := raftbadger.New(raftbadger.Config{DataPath: logPath}, &logOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create log store at %s: %w", logPath, err)
	}
	s.closers = append(s.closers, logStore.Close)

	stableOpts := badgerOptions(stablePath, logger.With("component", "badger-stable"))
	stableStore, err := raftbadger.New(raftbadger.Config{DataPath: stablePath}, &stableOpts)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create stable store at %s: %w", stablePath, err)
	}
	s.closers = append(s.closers, stableStore.Close)

	snapStore, err := raft.NewFileSnapshotStore(snapPath, cfg.RetainSnapshots, os.Stderr)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", snapPath, err)
	}

	stateDB, err := badger.Open(badgerOptions(statePath, logger.With("component", "badger-state")))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to open state database at %s: %w", statePath, err)
	}

	s.logStore = compatLog{logStore}
	s.stableStore = compatStable{stableStore}
	s.snapStore = snapStore
	s.stateDB = stateDB

	go runGarbageCollection(stateDB, logger, s.gcQuit)
	return s, nil
}

func (s *store) close() error {
	select {
	case <-s.gcQuit:
	default:
		close(s.gcQuit)
	}

	var errs []error
	if s.stateDB != nil {
		if err := s.stateDB.Close(); err != nil {
			s.logger.Error("failed to close state database", "error", err)
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("failed to close raft store", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runGarbageCollection(db *badger.DB, logger *slog.Logger, quit <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			err := db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logger.Error("garbage collection failed", "error", err)
			}
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
