package journal

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := Open(ctx, Config{Dir: dir, NodeID: "test", ApplyTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return j
}

func TestJournal_AppendAndFinished(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer j.Close()
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "a", State: domain.StageFinished, Outputs: []string{"a.out"}}))
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "b", State: domain.StagePermanentlyFailed, Retries: 3, Error: "exit 1"}))

	finished, err := j.Finished(ctx)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, []string{"a.out"}, finished["a"].Outputs)

	all, err := j.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 3, all["b"].Retries)
}

func TestJournal_LatestRecordWins(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer j.Close()
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "a", State: domain.StagePermanentlyFailed}))
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "a", State: domain.StageFinished}))

	finished, err := j.Finished(ctx)
	require.NoError(t, err)
	assert.Contains(t, finished, domain.StageID("a"))
}

func TestJournal_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j := openTestJournal(t, dir)
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "a", State: domain.StageFinished}))
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "b", State: domain.StageFinished}))
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer j.Close()

	finished, err := j.Finished(ctx)
	require.NoError(t, err)
	assert.Len(t, finished, 2)
}

func TestJournal_RestoresFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j := openTestJournal(t, dir)
	for _, id := range []domain.StageID{"a", "b", "c"} {
		require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: id, State: domain.StageFinished}))
	}
	require.NoError(t, j.Snapshot())
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "d", State: domain.StageFinished}))
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer j.Close()

	finished, err := j.Finished(ctx)
	require.NoError(t, err)
	assert.Len(t, finished, 4)
}

func TestJournal_ReopenUnderNewRunID(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RunID = "run-aaaa"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := Open(ctx, ConfigFrom(cfg), nil)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "align", State: domain.StageFinished}))
	require.NoError(t, j.Append(ctx, ports.JournalRecord{StageID: "call", State: domain.StageFinished}))
	require.NoError(t, j.Close())

	cfg.RunID = "run-bbbb"
	reopenCtx, reopenCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reopenCancel()

	j, err = Open(reopenCtx, ConfigFrom(cfg), nil)
	require.NoError(t, err)
	defer j.Close()

	finished, err := j.Finished(reopenCtx)
	require.NoError(t, err)
	assert.Len(t, finished, 2)
	assert.Contains(t, finished, domain.StageID("align"))
}

func TestOpen_GivesUpWithoutLeadership(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	require.NoError(t, j.Close())

	// The stored configuration only knows "test", so "other" never becomes leader.
	start := time.Now()
	_, err := Open(context.Background(), Config{Dir: dir, NodeID: "other", OpenTimeout: 300 * time.Millisecond}, nil)
	assert.ErrorIs(t, err, domain.ErrJournalUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	err := j.Append(context.Background(), ports.JournalRecord{StageID: "a", State: domain.StageFinished})
	assert.ErrorIs(t, err, domain.ErrJournalUnavailable)
}

func TestOpen_RequiresDirectory(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
