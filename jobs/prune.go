package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kyushbot/cmdgate/internal/jobs"
)

// EventPruner deletes rate events issued before a cutoff.
type EventPruner interface {
	Prune(ctx context.Context, beforeMs int64) (int64, error)
}

// PeriodSource reports the longest period of the current rate rules.
type PeriodSource interface {
	Reload(ctx context.Context) error
	LongestPeriod() time.Duration
}

// PruneRateEventsJob deletes rate events that no rule window can still see.
type PruneRateEventsJob struct {
	Events  EventPruner
	Rules   PeriodSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPruneRateEventsJob initialises the prune handler.
func NewPruneRateEventsJob(events EventPruner, rules PeriodSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *PruneRateEventsJob {
	return &PruneRateEventsJob{
		Events:  events,
		Rules:   rules,
		Logger:  logger,
		Metrics: metrics,
		clock:   time.Now,
	}
}

// Handle executes a TaskPruneRateEvents task.
func (j *PruneRateEventsJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("prune rate events: handler not configured")
	}
	var payload PruneRateEventsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload.Retention())
	return err
}

// Run deletes events older than retention, or older than the longest rule
// period when that is longer. It returns the number of deleted events.
func (j *PruneRateEventsJob) Run(ctx context.Context, retention time.Duration) (int64, error) {
	if j.Events == nil {
		return 0, errors.New("prune rate events: event log not configured")
	}
	tracker := j.Metrics.Track(TaskPruneRateEvents)

	if j.Rules != nil {
		// rules may have changed in another process since the last run
		if err := j.Rules.Reload(ctx); err != nil {
			j.logger().Error("reload rate rules", slog.Any("error", err))
			return 0, tracker.End(err)
		}
		retention = max(retention, j.Rules.LongestPeriod())
	}
	if retention <= 0 {
		j.logger().Info("prune skipped, no retention configured")
		return 0, tracker.End(nil)
	}

	cutoff := j.now().Add(-retention)
	logger := j.logger().With(slog.Duration("retention", retention), slog.Time("cutoff", cutoff))
	deleted, err := j.Events.Prune(ctx, cutoff.UnixMilli())
	if err != nil {
		logger.Error("prune rate events", slog.Any("error", err))
		return 0, tracker.End(err)
	}
	j.Metrics.AddPruned(deleted)
	logger.Info("pruned rate events", slog.Int64("deleted", deleted))
	return deleted, tracker.End(nil)
}

func (j *PruneRateEventsJob) now() time.Time {
	if j.clock == nil {
		return time.Now()
	}
	return j.clock()
}

func (j *PruneRateEventsJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
