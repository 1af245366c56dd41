package model

import (
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending   TaskState = "Pending"
	TaskOffered   TaskState = "Offered"
	TaskAccepted  TaskState = "Accepted"
	TaskCompleted TaskState = "Completed"
	TaskRejected  TaskState = "Rejected"
	TaskExpired   TaskState = "Expired"
)

// TaskEventType enumerates the legal event types appended to a Task's log,
// in the order the state machine allows them to occur.
type TaskEventType string

const (
	EventCreated    TaskEventType = "created"
	EventOffered    TaskEventType = "offered"
	EventAccepted   TaskEventType = "accepted"
	EventRejected   TaskEventType = "rejected"
	EventSubmission TaskEventType = "submission"
	EventCompleted  TaskEventType = "completed"
	EventExpired    TaskEventType = "expired"
)

// TaskEvent is a single append-only entry in a Task's history.
type TaskEvent struct {
	Type      TaskEventType   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Task is a unit of work a provider submits for a worker to execute.
type Task struct {
	ID              string    `json:"id"`
	TemplateID      string    `json:"templateId"`
	Title           string    `json:"title"`
	Reward          uint64    `json:"reward"`
	ProviderPeerID  peer.ID   `json:"providerPeerId"`
	Payload         string    `json:"payload,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`

	State               TaskState   `json:"state"`
	AssignedWorkerPeerID peer.ID    `json:"assignedWorkerPeerId,omitempty"`
	OfferedAt           *time.Time `json:"offeredAt,omitempty"`
	Deadline            *time.Time `json:"deadline,omitempty"`

	// AccrualEnqueued marks that this task's Completed transition has
	// already handed an accrual request to PaymentLedger's inbox. It is
	// bookkeeping for the outbox pattern's restart replay (spec.md §5), not
	// part of the task state machine — it is never read by the invariants
	// in spec.md §8, only by LoadFromStore.
	AccrualEnqueued bool `json:"accrualEnqueued,omitempty"`

	Events []TaskEvent `json:"events"`
}

// AppendEvent appends an event, enforcing the monotone-timestamp invariant
// (spec.md §8 invariant 2): if now is earlier than the last event's
// timestamp, the new event takes the last event's timestamp instead.
func (t *Task) AppendEvent(typ TaskEventType, actor string, payload json.RawMessage, now time.Time) {
	if n := len(t.Events); n > 0 && now.Before(t.Events[n-1].Timestamp) {
		now = t.Events[n-1].Timestamp
	}
	t.Events = append(t.Events, TaskEvent{
		Type:      typ,
		Timestamp: now,
		Actor:     actor,
		Payload:   payload,
	})
}

// LatestSubmissionResult returns the opaque result string from the most
// recent "submission" event, or ("", false) if none exists.
func (t *Task) LatestSubmissionResult() (string, bool) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if t.Events[i].Type != EventSubmission {
			continue
		}
		var sub struct {
			Result string `json:"result"`
		}
		if err := json.Unmarshal(t.Events[i].Payload, &sub); err != nil {
			return "", false
		}
		return sub.Result, true
	}
	return "", false
}
