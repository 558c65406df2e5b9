// Package taskqueue persists suspended engine runs as AsyncTasks, renders
// their choices as buttons, resolves button callbacks and reminds users
// about questions left unanswered.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/events"
	"github.com/nous-labs/relay/pkg/metrics"
)

const (
	// MaxTokenBytes bounds a callback token; longer choice values are sent by index.
	MaxTokenBytes = 64

	cancelValue = "#cancel"
	cancelLabel = "Cancel"

	openPromptScan = 500

	stepAwaiting = "awaiting_choice"
	stepResuming = "resuming"
)

// Config holds queue policy.
type Config struct {
	Namespace      string        // callback token prefix
	StaleAfter     time.Duration // needs_input age that triggers a reminder
	RunningTimeout time.Duration // running age after which a task counts as interrupted
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		Namespace:      "task",
		StaleAfter:     2 * time.Hour,
		RunningTimeout: 5 * time.Minute,
	}
}

// Queue is safe for concurrent use; all coordination goes through the store's
// conditional updates.
type Queue struct {
	store  store.Store
	sender channel.Sender
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	events *events.Bus
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithEvents publishes task lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(q *Queue) { q.events = bus }
}

// New creates a queue over s. sender delivers reminders and recovery notices.
func New(s store.Store, sender channel.Sender, cfg Config, opts ...Option) *Queue {
	d := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = d.Namespace
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = d.RunningTimeout
	}
	q := &Queue{
		store:  s,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// PauseRequest describes a suspended run to persist.
type PauseRequest struct {
	ChatID      string
	ThreadID    string
	Prompt      string
	Question    string
	Options     []store.Choice
	Resume      engine.ResumeState
	ProcessedBy string
}

// CreateAndPause stores a needs_input task for req and returns its id.
func (q *Queue) CreateAndPause(ctx context.Context, req PauseRequest) (string, error) {
	meta, err := engine.EncodeResume(req.Resume)
	if err != nil {
		return "", err
	}
	options := req.Options
	if len(options) == 0 {
		options = []store.Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}
	}
	task, err := q.store.CreateTask(ctx, store.AsyncTask{
		ChatID:          req.ChatID,
		ThreadID:        req.ThreadID,
		Prompt:          req.Prompt,
		Status:          store.TaskNeedsInput,
		SessionID:       req.Resume.SessionID,
		CurrentStep:     stepAwaiting,
		PendingQuestion: req.Question,
		PendingOptions:  options,
		ProcessedBy:     req.ProcessedBy,
		Metadata:        map[string]any{engine.MetadataKey: meta},
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	q.observe(task, "paused")
	return task.ID, nil
}

// RenderChoices lays options out two per row, followed by a Cancel row.
func (q *Queue) RenderChoices(taskID string, options []store.Choice) [][]channel.Button {
	var rows [][]channel.Button
	for i := 0; i < len(options); i += 2 {
		var row []channel.Button
		for j := i; j < i+2 && j < len(options); j++ {
			row = append(row, channel.Button{Label: options[j].Label, Token: q.token(taskID, j, options[j].Value)})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []channel.Button{{Label: cancelLabel, Token: q.prefix(taskID) + cancelValue}})
	return rows
}

func (q *Queue) prefix(taskID string) string {
	return q.cfg.Namespace + ":" + taskID + ":"
}

// token encodes value, falling back to its index when the token would be too
// long or the value could be mistaken for an index.
func (q *Queue) token(taskID string, idx int, value string) string {
	t := q.prefix(taskID) + value
	if len(t) > MaxTokenBytes || strings.HasPrefix(value, "#") || value == "" {
		return q.prefix(taskID) + "#" + strconv.Itoa(idx)
	}
	return t
}

// ParseCallback splits a token into task id and raw choice value.
func (q *Queue) ParseCallback(token string) (taskID, value string, ok bool) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 || parts[0] != q.cfg.Namespace || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// CallbackResult is the outcome of a callback that changed a task.
type CallbackResult struct {
	Task      *store.AsyncTask
	Cancelled bool
	Choice    string
	Label     string
	Resume    *engine.ResumeState
}

// HandleCallback resolves a button press. It returns nil when the token is
// malformed, the task is unknown, or the task was already answered, expired
// or lost a race to another press. Otherwise the task is cancelled, or claimed
// (needs_input -> running) with the choice stored, and its resume state decoded.
func (q *Queue) HandleCallback(ctx context.Context, token string) (*CallbackResult, error) {
	taskID, raw, ok := q.ParseCallback(token)
	if !ok {
		return nil, nil
	}
	task, err := q.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnconfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Status != store.TaskNeedsInput {
		q.logger.Info("callback for task not awaiting input", "task", taskID, "status", task.Status)
		return nil, nil
	}

	if raw == cancelValue {
		updated, err := q.store.UpdateTask(ctx, taskID, store.TaskPatch{
			From:   store.TaskNeedsInput,
			Status: store.StatusPtr(store.TaskCancelled),
		})
		if lostRace(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("cancel task: %w", err)
		}
		q.observe(updated, "cancelled")
		return &CallbackResult{Task: updated, Cancelled: true}, nil
	}

	choice, found := resolveChoice(raw, task.PendingOptions)
	if !found {
		q.logger.Warn("callback value not among task options", "task", taskID, "value", raw)
		return nil, nil
	}

	updated, err := q.store.UpdateTask(ctx, taskID, store.TaskPatch{
		From:         store.TaskNeedsInput,
		Status:       store.StatusPtr(store.TaskRunning),
		UserResponse: store.StringPtr(choice.Value),
		CurrentStep:  store.StringPtr(stepResuming),
	})
	if lostRace(err) {
		q.logger.Info("callback lost claim race", "task", taskID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	q.observe(updated, "claimed")

	rs, err := engine.DecodeResume(task.Metadata)
	if err != nil {
		q.Fail(ctx, taskID, "resume state unreadable")
		return nil, err
	}
	return &CallbackResult{Task: updated, Choice: choice.Value, Label: choice.Label, Resume: rs}, nil
}

// Known reports whether token is well formed and names a task in the store,
// whatever its status.
func (q *Queue) Known(ctx context.Context, token string) bool {
	taskID, _, ok := q.ParseCallback(token)
	if !ok {
		return false
	}
	_, err := q.store.GetTask(ctx, taskID)
	return err == nil
}

// OpenPrompt returns the rendered choices of the newest needs_input task in
// chatID, restricted to threadID unless anyThread is set. Channels use it to
// resolve answers to prompts they did not send themselves.
func (q *Queue) OpenPrompt(ctx context.Context, chatID, threadID string, anyThread bool) ([][]channel.Button, bool) {
	tasks, err := q.store.TasksByStatus(ctx, store.TaskNeedsInput, openPromptScan)
	if err != nil {
		q.logger.Warn("load open prompts failed", "chat", chatID, "error", err)
		return nil, false
	}
	// oldest first
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.ChatID != chatID || (!anyThread && t.ThreadID != threadID) {
			continue
		}
		return q.RenderChoices(t.ID, t.PendingOptions), true
	}
	return nil, false
}

// Resumable loads a task another process already claimed for resumption:
// running, with the user's choice recorded.
func (q *Queue) Resumable(ctx context.Context, taskID, choice string) (*CallbackResult, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Status != store.TaskRunning || task.UserResponse != choice {
		return nil, fmt.Errorf("%w: task %s is %s", store.ErrConflict, taskID, task.Status)
	}
	rs, err := engine.DecodeResume(task.Metadata)
	if err != nil {
		q.Fail(ctx, taskID, "resume state unreadable")
		return nil, err
	}
	return &CallbackResult{Task: task, Choice: choice, Label: choice, Resume: rs}, nil
}

func lostRace(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound)
}

func resolveChoice(raw string, options []store.Choice) (store.Choice, bool) {
	if idx, ok := strings.CutPrefix(raw, "#"); ok {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 || n >= len(options) {
			return store.Choice{}, false
		}
		return options[n], true
	}
	for _, o := range options {
		if o.Value == raw {
			return o, true
		}
	}
	return store.Choice{}, false
}

// Complete marks a running task completed with result.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	task, err := q.store.UpdateTask(ctx, taskID, store.TaskPatch{
		From:        store.TaskRunning,
		Status:      store.StatusPtr(store.TaskCompleted),
		Result:      store.StringPtr(result),
		CurrentStep: store.StringPtr(""),
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	q.observe(task, "completed")
	return nil
}

// Fail marks a pending or running task failed.
func (q *Queue) Fail(ctx context.Context, taskID, reason string) error {
	task, err := q.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Status: store.StatusPtr(store.TaskFailed),
		Result: store.StringPtr(reason),
	})
	if err != nil {
		q.logger.Warn("fail task", "task", taskID, "error", err)
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	q.observe(task, "failed")
	return nil
}

// Repause moves a resumed task back to needs_input with a new question.
func (q *Queue) Repause(ctx context.Context, taskID, question string, options []store.Choice, rs engine.ResumeState) error {
	meta, err := engine.EncodeResume(rs)
	if err != nil {
		return err
	}
	if len(options) == 0 {
		options = []store.Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}
	}
	task, err := q.store.UpdateTask(ctx, taskID, store.TaskPatch{
		From:            store.TaskRunning,
		Status:          store.StatusPtr(store.TaskNeedsInput),
		PendingQuestion: store.StringPtr(question),
		PendingOptions:  options,
		SessionID:       store.StringPtr(rs.SessionID),
		CurrentStep:     store.StringPtr(stepAwaiting),
		Metadata:        map[string]any{engine.MetadataKey: meta},
	})
	if err != nil {
		return fmt.Errorf("repause task %s: %w", taskID, err)
	}
	q.observe(task, "paused")
	return nil
}

// CheckStaleTasks reminds users about questions unanswered for StaleAfter.
// Each task is reminded at most once: the reminder flag is set atomically
// before sending.
func (q *Queue) CheckStaleTasks(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.cfg.StaleAfter)
	tasks, err := q.store.StaleTasks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("stale tasks: %w", err)
	}

	sent := 0
	for _, task := range tasks {
		won, err := q.store.MarkReminded(ctx, task.ID)
		if err != nil {
			q.logger.Warn("mark reminded", "task", task.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		resp := channel.Response{
			ChatID:   task.ChatID,
			ThreadID: task.ThreadID,
			Content:  "Still waiting on your answer: " + task.PendingQuestion,
			Buttons:  q.RenderChoices(task.ID, task.PendingOptions),
		}
		if err := q.send(ctx, resp); err != nil {
			q.logger.Warn("send reminder", "task", task.ID, "chat", task.ChatID, "error", err)
			continue
		}
		sent++
		metrics.Reminders.Inc()
		q.logger.Info("stale task reminder sent", "task", task.ID, "chat", task.ChatID, "age", q.now().Sub(task.UpdatedAt).Round(time.Minute))
	}
	return sent, nil
}

// RecoverInterrupted fails tasks stuck in running for longer than
// RunningTimeout and tells the user.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	tasks, err := q.store.TasksByStatus(ctx, store.TaskRunning, 100)
	if err != nil {
		return 0, fmt.Errorf("running tasks: %w", err)
	}
	cutoff := q.now().Add(-q.cfg.RunningTimeout)
	recovered := 0
	for _, task := range tasks {
		if !task.UpdatedAt.Before(cutoff) {
			continue
		}
		updated, err := q.store.UpdateTask(ctx, task.ID, store.TaskPatch{
			From:   store.TaskRunning,
			Status: store.StatusPtr(store.TaskFailed),
			Result: store.StringPtr("interrupted"),
		})
		if err != nil {
			if !lostRace(err) {
				q.logger.Warn("recover task", "task", task.ID, "error", err)
			}
			continue
		}
		recovered++
		q.observe(updated, "failed")
		if err := q.send(ctx, channel.Response{
			ChatID:   task.ChatID,
			ThreadID: task.ThreadID,
			Content:  "Sorry, I was interrupted while working on that. Please ask again.",
		}); err != nil {
			q.logger.Warn("send recovery notice", "task", task.ID, "error", err)
		}
	}
	return recovered, nil
}

func (q *Queue) send(ctx context.Context, resp channel.Response) error {
	if q.sender == nil {
		return fmt.Errorf("no sender configured")
	}
	return q.sender.Send(ctx, resp)
}

func (q *Queue) observe(task *store.AsyncTask, what string) {
	if task == nil {
		return
	}
	metrics.Tasks.WithLabelValues(string(task.Status)).Inc()
	q.logger.Info("task "+what, "task", task.ID, "chat", task.ChatID, "status", task.Status)
	q.events.Publish(events.Event{
		Kind:    events.KindTask,
		ChatID:  task.ChatID,
		TaskID:  task.ID,
		Node:    task.ProcessedBy,
		Message: what,
		Fields:  map[string]any{"status": string(task.Status)},
	})
}
