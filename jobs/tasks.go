package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReportWarmup precomputes target reports into the report cache.
	TaskReportWarmup = "targets:report:warmup"
)

// WarmupRoot names one tree whose reports are kept warm.
type WarmupRoot struct {
	Kind   orgtree.EntityKind `json:"kind"`
	RootID int64              `json:"root_id"`
}

// ReportWarmupPayload configures a warmup run. Empty Roots falls back to the
// roots the job was configured with.
type ReportWarmupPayload struct {
	Roots    []WarmupRoot `json:"roots,omitempty"`
	Weighted bool         `json:"weighted"`
}

// NewReportWarmupTask constructs an Asynq task.
func NewReportWarmupTask(payload ReportWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportWarmup, data), nil
}
