package store

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of an AsyncTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskNeedsInput TaskStatus = "needs_input"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsValid returns true if the status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskNeedsInput, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskRunning || target == TaskFailed
	case TaskRunning:
		return target == TaskNeedsInput || target == TaskCompleted || target == TaskFailed
	case TaskNeedsInput:
		// needs_input -> cancelled is the only backward-looking exit
		return target == TaskRunning || target == TaskCancelled
	case TaskCompleted, TaskFailed, TaskCancelled:
		return false
	default:
		return false
	}
}

// Choice is one selectable answer to a pending question.
type Choice struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// AsyncTask is one suspended or in-flight agentic run.
type AsyncTask struct {
	ID              string
	ChatID          string
	ThreadID        string
	Prompt          string
	Status          TaskStatus
	Result          string
	SessionID       string
	CurrentStep     string
	PendingQuestion string
	PendingOptions  []Choice
	UserResponse    string
	ProcessedBy     string
	ReminderSent    bool
	Metadata        map[string]any
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskPatch is a partial update. Nil pointers leave fields untouched.
// From, when set, makes the update conditional on the current status.
type TaskPatch struct {
	From            TaskStatus
	Status          *TaskStatus
	Result          *string
	SessionID       *string
	CurrentStep     *string
	PendingQuestion *string
	PendingOptions  []Choice
	UserResponse    *string
	ProcessedBy     *string
	Metadata        map[string]any
}

// StatusPtr is a convenience for building patches.
func StatusPtr(s TaskStatus) *TaskStatus { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// ValidateNew checks a task about to be created and fills defaults.
func ValidateNew(t *AsyncTask) error {
	if t.ChatID == "" {
		return fmt.Errorf("%w: chat id required", ErrInvalidTask)
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot create task in terminal status %s", ErrInvalidTask, t.Status)
	}
	return checkPending(t)
}

// ApplyPatch returns task with patch applied, enforcing the status state
// machine and the pending question invariants. The input is not modified.
func ApplyPatch(task AsyncTask, patch TaskPatch) (AsyncTask, error) {
	if patch.From != "" && task.Status != patch.From {
		return task, fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, task.ID, task.Status, patch.From)
	}

	next := task
	if patch.Status != nil && *patch.Status != task.Status {
		to := *patch.Status
		if !task.Status.CanTransitionTo(to) {
			return task, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, to)
		}
		next.Status = to
		if to == TaskNeedsInput {
			next.ReminderSent = false
		}
	}

	if patch.Result != nil {
		next.Result = *patch.Result
	}
	if patch.SessionID != nil {
		next.SessionID = *patch.SessionID
	}
	if patch.CurrentStep != nil {
		next.CurrentStep = *patch.CurrentStep
	}
	if patch.UserResponse != nil {
		next.UserResponse = *patch.UserResponse
	}
	if patch.ProcessedBy != nil {
		next.ProcessedBy = *patch.ProcessedBy
	}
	if patch.Metadata != nil {
		next.Metadata = patch.Metadata
	}
	if patch.PendingQuestion != nil || patch.PendingOptions != nil {
		if next.Status != TaskNeedsInput {
			return task, fmt.Errorf("%w: pending question only allowed in needs_input", ErrInvalidTask)
		}
		if patch.PendingQuestion != nil {
			next.PendingQuestion = *patch.PendingQuestion
		}
		if patch.PendingOptions != nil {
			next.PendingOptions = append([]Choice(nil), patch.PendingOptions...)
		}
	}

	if next.Status != TaskNeedsInput {
		next.PendingQuestion = ""
		next.PendingOptions = nil
	}
	if err := checkPending(&next); err != nil {
		return task, err
	}
	return next, nil
}

func checkPending(t *AsyncTask) error {
	if (t.PendingQuestion == "") != (len(t.PendingOptions) == 0) {
		return fmt.Errorf("%w: pending question and options must be set together", ErrInvalidTask)
	}
	if t.Status == TaskNeedsInput && t.PendingQuestion == "" {
		return fmt.Errorf("%w: needs_input requires a pending question", ErrInvalidTask)
	}
	if t.Status != TaskNeedsInput && t.PendingQuestion != "" {
		return fmt.Errorf("%w: pending question set outside needs_input", ErrInvalidTask)
	}
	return nil
}
