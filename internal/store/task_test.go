package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []TaskStatus{TaskPending, TaskRunning, TaskNeedsInput, TaskCompleted, TaskFailed, TaskCancelled}

func TestCanTransitionTo(t *testing.T) {
	legal := map[[2]TaskStatus]bool{
		{TaskPending, TaskRunning}:      true,
		{TaskPending, TaskFailed}:       true,
		{TaskRunning, TaskNeedsInput}:   true,
		{TaskRunning, TaskCompleted}:    true,
		{TaskRunning, TaskFailed}:       true,
		{TaskNeedsInput, TaskRunning}:   true,
		{TaskNeedsInput, TaskCancelled}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]TaskStatus{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, TaskStatus("bogus").CanTransitionTo(TaskRunning))
}

func TestApplyPatchRejectsIllegalTransitions(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to || from.CanTransitionTo(to) {
				continue
			}
			task := AsyncTask{ID: "t", Status: from}
			if from == TaskNeedsInput {
				task.PendingQuestion = "q"
				task.PendingOptions = []Choice{{Label: "Yes", Value: "yes"}}
			}
			_, err := ApplyPatch(task, TaskPatch{Status: StatusPtr(to)})
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestApplyPatchPendingInvariants(t *testing.T) {
	running := AsyncTask{ID: "t", Status: TaskRunning}

	_, err := ApplyPatch(running, TaskPatch{Status: StatusPtr(TaskNeedsInput)})
	assert.ErrorIs(t, err, ErrInvalidTask, "needs_input without a question")

	_, err = ApplyPatch(running, TaskPatch{
		Status:          StatusPtr(TaskNeedsInput),
		PendingQuestion: StringPtr("Proceed?"),
	})
	assert.ErrorIs(t, err, ErrInvalidTask, "question without options")

	_, err = ApplyPatch(running, TaskPatch{PendingQuestion: StringPtr("Proceed?")})
	assert.ErrorIs(t, err, ErrInvalidTask, "question outside needs_input")

	paused, err := ApplyPatch(running, TaskPatch{
		Status:          StatusPtr(TaskNeedsInput),
		PendingQuestion: StringPtr("Proceed?"),
		PendingOptions:  []Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}},
	})
	require.NoError(t, err)
	assert.Equal(t, TaskNeedsInput, paused.Status)
	assert.Len(t, paused.PendingOptions, 2)
	assert.Equal(t, TaskRunning, running.Status, "input must not be modified")

	resumed, err := ApplyPatch(paused, TaskPatch{
		From:         TaskNeedsInput,
		Status:       StatusPtr(TaskRunning),
		UserResponse: StringPtr("yes"),
	})
	require.NoError(t, err)
	assert.Empty(t, resumed.PendingQuestion)
	assert.Empty(t, resumed.PendingOptions)
	assert.Equal(t, "yes", resumed.UserResponse)
}

func TestApplyPatchFromGuard(t *testing.T) {
	task := AsyncTask{ID: "t", Status: TaskRunning}
	_, err := ApplyPatch(task, TaskPatch{From: TaskNeedsInput, Status: StatusPtr(TaskRunning)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApplyPatchReentryResetsReminder(t *testing.T) {
	task := AsyncTask{ID: "t", Status: TaskRunning, ReminderSent: true}
	next, err := ApplyPatch(task, TaskPatch{
		Status:          StatusPtr(TaskNeedsInput),
		PendingQuestion: StringPtr("Again?"),
		PendingOptions:  []Choice{{Label: "Yes", Value: "yes"}},
	})
	require.NoError(t, err)
	assert.False(t, next.ReminderSent)
}

func TestValidateNew(t *testing.T) {
	task := AsyncTask{ChatID: "c"}
	require.NoError(t, ValidateNew(&task))
	assert.Equal(t, TaskPending, task.Status)

	assert.ErrorIs(t, ValidateNew(&AsyncTask{}), ErrInvalidTask)
	assert.ErrorIs(t, ValidateNew(&AsyncTask{ChatID: "c", Status: TaskCompleted}), ErrInvalidTask)
	assert.ErrorIs(t, ValidateNew(&AsyncTask{ChatID: "c", Status: TaskNeedsInput}), ErrInvalidTask)
}
