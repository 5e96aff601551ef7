package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/mcpal/internal/database"
)

func newRunStore(t *testing.T) *RunStore {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewRunStore(db.DB)
}

func latestRun(t *testing.T, runs *RunStore) RunRecord {
	t.Helper()
	recent, err := runs.Recent(10)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	return recent[0]
}

func TestRunsRecordStopAndCrash(t *testing.T) {
	runs := newRunStore(t)
	ts := newTestServer(t, "normal")
	s := ts.supervisor(t, Options{Runs: runs})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	run := latestRun(t, runs)
	assert.True(t, run.Active())
	assert.Equal(t, s.Snapshot().RunID, run.ID)
	assert.Equal(t, s.Snapshot().PID, run.PID)

	require.NoError(t, s.Stop(ctx))
	run = latestRun(t, runs)
	assert.False(t, run.Active())
	assert.Equal(t, "stop", run.ExitReason)

	require.NoError(t, s.Start(ctx))
	crashed := s.Snapshot().RunID
	require.NoError(t, s.SendCommand("crash"))

	require.Eventually(t, func() bool {
		run := latestRun(t, runs)
		return run.ID == crashed && !run.Active()
	}, eventually, tick)
	assert.True(t, strings.HasPrefix(latestRun(t, runs).ExitReason, "crash: "))

	all, err := runs.Recent(10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRunStoreCloseAbandoned(t *testing.T) {
	runs := newRunStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, runs.Begin("run-a", 100, now))
	require.NoError(t, runs.Begin("run-b", 101, now.Add(time.Minute)))
	require.NoError(t, runs.End("run-b", now.Add(2*time.Minute), "stop"))

	closed, err := runs.CloseAbandoned(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	recent, err := runs.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "stop", recent[0].ExitReason)
	assert.Equal(t, "supervisor exited", recent[1].ExitReason)

	// A closed run keeps its first reason
	require.NoError(t, runs.End("run-b", now.Add(3*time.Hour), "crash: late"))
	assert.Equal(t, "stop", latestRun(t, runs).ExitReason)
}

func TestNilRunStoreIsNoop(t *testing.T) {
	var runs *RunStore
	assert.NoError(t, runs.Begin("run-a", 1, time.Now()))
	assert.NoError(t, runs.End("run-a", time.Now(), "stop"))
	_, err := runs.Recent(5)
	assert.Error(t, err)
}
