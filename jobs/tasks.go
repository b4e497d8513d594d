package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPruneRateEvents is the task type for deleting expired rate events.
	TaskPruneRateEvents = "ratelimit:prune"
)

// PruneRateEventsPayload describes a retention pass.
type PruneRateEventsPayload struct {
	// RetentionSeconds is the minimum age of deleted events. It is raised to
	// the longest configured rule period when shorter.
	RetentionSeconds int64 `json:"retention_seconds"`
}

// Retention returns the payload retention as a duration.
func (p PruneRateEventsPayload) Retention() time.Duration {
	return time.Duration(p.RetentionSeconds) * time.Second
}

// NewPruneRateEventsTask constructs an Asynq task.
func NewPruneRateEventsTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(PruneRateEventsPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPruneRateEvents, data), nil
}
