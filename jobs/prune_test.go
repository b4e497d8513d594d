package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	before  int64
	deleted int64
	err     error
	calls   int
}

func (f *fakePruner) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	f.calls++
	f.before = beforeMs
	return f.deleted, f.err
}

type fakePeriods struct {
	longest   time.Duration
	reloadErr error
}

func (f *fakePeriods) Reload(ctx context.Context) error { return f.reloadErr }

func (f *fakePeriods) LongestPeriod() time.Duration { return f.longest }

func newJob(pruner *fakePruner, periods *fakePeriods, now time.Time) *PruneRateEventsJob {
	job := NewPruneRateEventsJob(pruner, periods, nil, nil)
	job.clock = func() time.Time { return now }
	return job
}

func TestPruneUsesConfiguredRetention(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	pruner := &fakePruner{deleted: 4}
	job := newJob(pruner, &fakePeriods{longest: time.Minute}, now)

	deleted, err := job.Run(context.Background(), time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 4, deleted)
	require.Equal(t, now.Add(-time.Hour).UnixMilli(), pruner.before)
}

func TestPruneNeverCutsInsideLongestRulePeriod(t *testing.T) {
	now := time.UnixMilli(100_000_000)
	pruner := &fakePruner{}
	job := newJob(pruner, &fakePeriods{longest: 24 * time.Hour}, now)

	_, err := job.Run(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, now.Add(-24*time.Hour).UnixMilli(), pruner.before)
}

func TestPruneSkipsWithoutRetention(t *testing.T) {
	pruner := &fakePruner{}
	job := newJob(pruner, &fakePeriods{}, time.Now())

	deleted, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.Zero(t, pruner.calls)
}

func TestPruneStopsWhenRulesCannotLoad(t *testing.T) {
	pruner := &fakePruner{}
	job := newJob(pruner, &fakePeriods{reloadErr: errors.New("db down")}, time.Now())

	_, err := job.Run(context.Background(), time.Hour)
	require.Error(t, err)
	require.Zero(t, pruner.calls)
}

func TestPruneHandleDecodesTask(t *testing.T) {
	now := time.UnixMilli(50_000_000)
	pruner := &fakePruner{}
	job := newJob(pruner, &fakePeriods{}, now)

	task, err := NewPruneRateEventsTask(2 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, TaskPruneRateEvents, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, now.Add(-2*time.Hour).UnixMilli(), pruner.before)

	bad := asynq.NewTask(TaskPruneRateEvents, []byte("{"))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}
