package backup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler(t *testing.T) {
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{name: "daily at 3am", spec: "0 3 * * *"},
		{name: "descriptor", spec: "@daily"},
		{name: "with seconds", spec: "30 0 3 * * *"},
		{name: "empty", spec: "", wantErr: true},
		{name: "garbage", spec: "not a cron spec", wantErr: true},
		{name: "out of range", spec: "0 25 * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(tt.spec, noop, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchedule)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestSchedulerNextRun(t *testing.T) {
	s, err := NewScheduler("0 3 * * *", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Date(2024, 5, 1, 2, 15, 0, 0, time.Local) }
	assert.Equal(t, time.Date(2024, 5, 1, 3, 0, 0, 0, time.Local), s.NextRun())

	s.now = func() time.Time { return time.Date(2024, 5, 1, 3, 0, 1, 0, time.Local) }
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.Local), s.NextRun())
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler("* * * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()

	time.Sleep(50 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}
