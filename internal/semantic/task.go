package semantic

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/aegis/internal/grounding"
	"github.com/linnemanlabs/aegis/internal/track"
)

// TaskState is the inference task lifecycle. Transitions are
// Queued → Running → {Completed, Failed}, with Cancelled reachable from
// Queued (removed before running) and Running (result discarded).
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is one secondary-inference request.
type Task struct {
	ID          string            `json:"id"`
	TrackID     track.ID          `json:"track_id"`
	Fingerprint string            `json:"fingerprint"`
	Prompt      string            `json:"prompt"`
	Class       string            `json:"class"`
	RegionRef   string            `json:"region_ref,omitempty"`
	Priority    int               `json:"priority"`
	SubmittedAt time.Time         `json:"submitted_at"`
	SubmitFrame int64             `json:"submit_frame"`
	State       TaskState         `json:"state"`
	Result      *grounding.Result `json:"result,omitempty"` // nil until Completed
	FailReason  string            `json:"fail_reason,omitempty"`

	seq uint64 // submission order, breaks priority ties FIFO
}

// NewTaskID mints a task identity.
func NewTaskID() string {
	return "task_" + ulid.Make().String()
}

// snapshot returns a copy safe to hand outside the dispatcher lock.
func (t *Task) snapshot() *Task {
	cp := *t
	if t.Result != nil {
		r := *t.Result
		cp.Result = &r
	}
	return &cp
}

// Completion pairs a finished task snapshot with its outcome. Result is nil
// unless the task completed.
type Completion struct {
	Task   *Task
	Result *grounding.Result
	Err    error
}
