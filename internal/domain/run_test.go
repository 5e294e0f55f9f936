package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveRunStatus(t *testing.T) {
	cases := []struct {
		name     string
		counts   map[StageState]int
		total    int
		aborting bool
		want     RunStatus
	}{
		{"all finished", map[StageState]int{StageFinished: 3}, 3, false, RunCompleted},
		{"work pending", map[StageState]int{StageFinished: 1, StagePending: 2}, 3, false, RunRunning},
		{"retry outstanding", map[StageState]int{StageFailed: 1, StagePermanentlyFailed: 1}, 2, false, RunRunning},
		{"independent branch running", map[StageState]int{StageRunning: 1, StageUnreachable: 2, StagePermanentlyFailed: 1}, 4, false, RunRunning},
		{"no progress possible", map[StageState]int{StageFinished: 1, StagePermanentlyFailed: 1, StageUnreachable: 2}, 4, false, RunFailed},
		{"abort waits for in flight", map[StageState]int{StageRunning: 1, StageRunnable: 2}, 3, true, RunAborting},
		{"abort done", map[StageState]int{StageFinished: 1, StageRunnable: 2}, 3, true, RunAborted},
		{"finished wins over abort", map[StageState]int{StageFinished: 2}, 2, true, RunCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveRunStatus(tc.counts, tc.total, tc.aborting))
		})
	}
}

func TestRunSnapshot_Counts(t *testing.T) {
	snap := RunSnapshot{Total: 5, Counts: map[StageState]int{StageFinished: 2, StageRunning: 1, StagePending: 2}}
	assert.Equal(t, 2, snap.Count(StageFinished))
	assert.Equal(t, 0, snap.Count(StageFailed))
	assert.Equal(t, snap.Total, snap.CountSum())

	assert.True(t, RunAborted.IsTerminal())
	assert.False(t, RunAborting.IsTerminal())
}
