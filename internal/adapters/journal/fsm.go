package journal

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/goccy/go-json"
	"github.com/hashicorp/raft"
)

const recordPrefix = "stage/"

type command struct {
	Record ports.JournalRecord `json:"record"`
}

type applyResult struct {
	Err error
}

// fsm applies journal records to the state database. Records are keyed by
// stage id, so replaying the log after a restart is idempotent.
type fsm struct {
	db     *badger.DB
	logger *slog.Logger
}

func newFSM(db *badger.DB, logger *slog.Logger) *fsm {
	return &fsm{db: db, logger: logger.With("component", "journal-fsm")}
}

func recordKey(id domain.StageID) []byte {
	return []byte(recordPrefix + string(id))
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal journal command", "index", entry.Index, "error", err)
		return applyResult{Err: err}
	}
	if cmd.Record.StageID == "" {
		return applyResult{Err: domain.NewValidationError("stage_id", "journal record without stage id")}
	}

	value, err := json.Marshal(cmd.Record)
	if err != nil {
		return applyResult{Err: err}
	}
	err = f.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(cmd.Record.StageID), value)
	})
	if err != nil {
		f.logger.Error("failed to persist journal record", "stage", cmd.Record.StageID, "error", err)
	}
	return applyResult{Err: err}
}

func (f *fsm) records() (map[domain.StageID]ports.JournalRecord, error) {
	out := map[domain.StageID]ports.JournalRecord{}
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec ports.JournalRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out[rec.StageID] = rec
		}
		return nil
	})
	return out, err
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	recs, err := f.records()
	if err != nil {
		return nil, domain.NewInternalError("failed to read journal for snapshot", err)
	}
	return &snapshot{records: recs, logger: f.logger}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return domain.NewInternalError("failed to open snapshot", err)
	}
	defer gz.Close()

	var data snapshotData
	if err := json.NewDecoder(gz).Decode(&data); err != nil {
		return domain.NewInternalError("failed to decode snapshot", err)
	}

	if err := f.db.DropPrefix([]byte(recordPrefix)); err != nil {
		return domain.NewInternalError("failed to clear journal state", err)
	}

	wb := f.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range data.Records {
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := wb.Set(recordKey(rec.StageID), value); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return domain.NewInternalError("failed to restore journal state", err)
	}

	f.logger.Info("journal restored from snapshot", "records", len(data.Records))
	return nil
}

type snapshotData struct {
	Version int                   `json:"version"`
	Records []ports.JournalRecord `json:"records"`
}

type snapshot struct {
	records map[domain.StageID]ports.JournalRecord
	logger  *slog.Logger
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data := snapshotData{Version: 1, Records: make([]ports.JournalRecord, 0, len(s.records))}
		for _, rec := range s.records {
			data.Records = append(data.Records, rec)
		}

		raw, err := json.Marshal(data)
		if err != nil {
			return domain.NewInternalError("failed to marshal snapshot", err)
		}

		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return domain.NewInternalError("failed to compress snapshot", err)
		}
		if err := gz.Close(); err != nil {
			return domain.NewInternalError("failed to close gzip writer", err)
		}
		if _, err := io.Copy(sink, &buf); err != nil {
			return domain.NewInternalError("failed to write snapshot", err)
		}

		s.logger.Debug("journal snapshot persisted", "records", len(data.Records), "compressed_size", buf.Len())
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
		s.logger.Error("failed to persist snapshot", "error", err)
	}
	return err
}

func (s *snapshot) Release() {}
