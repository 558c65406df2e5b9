package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestSQLite(t *testing.T) (*SQLite, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func pausedTask(chatID string) AsyncTask {
	return AsyncTask{
		ChatID:          chatID,
		Prompt:          "book the flight",
		Status:          TaskNeedsInput,
		PendingQuestion: "Book the 9am flight?",
		PendingOptions:  []Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}},
		ProcessedBy:     NodeVPS,
		Metadata:        map[string]any{"resume": map[string]any{"engine": "direct"}},
	}
}

func TestSQLiteMessages(t *testing.T) {
	s, clock := openTestSQLite(t)
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.SaveMessage(ctx, Message{ChatID: "chat", Role: role, Content: text, ProcessedBy: NodeVPS}))
		clock.Advance(time.Second)
	}
	require.NoError(t, s.SaveMessage(ctx, Message{ChatID: "other", Role: RoleUser, Content: "x"}))

	msgs, err := s.RecentMessages(ctx, "chat", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
	assert.Equal(t, NodeVPS, msgs[1].ProcessedBy)

	other, err := s.RecentMessages(ctx, "other", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, NodeNone, other[0].ProcessedBy)
}

func TestSQLiteUpdateMemoryFirstMatch(t *testing.T) {
	s, clock := openTestSQLite(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, MemoryItem{ChatID: "c", Kind: MemoryGoal, Content: "Run a marathon"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.AddMemory(ctx, MemoryItem{ChatID: "c", Kind: MemoryGoal, Content: "Run a half marathon"})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, MemoryItem{ChatID: "c", Kind: MemoryFact, Content: "Marathon PB is 3:45"})
	require.NoError(t, err)

	done := "done"
	item, err := s.UpdateMemoryMatch(ctx, "c", MemoryGoal, "MARATHON", MemoryPatch{Status: &done})
	require.NoError(t, err)
	assert.Equal(t, "Run a marathon", item.Content, "first in creation order wins")

	goals, err := s.Memories(ctx, "c", MemoryGoal)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, "done", goals[0].Status)
	assert.Equal(t, "active", goals[1].Status)

	_, err = s.UpdateMemoryMatch(ctx, "c", MemoryGoal, "swim", MemoryPatch{Status: &done})
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := s.SearchMemories(ctx, "c", "marathon pb", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, MemoryFact, found[0].Kind)
}

func TestSQLiteTaskLifecycle(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, pausedTask("c"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskNeedsInput, got.Status)
	assert.Equal(t, "Book the 9am flight?", got.PendingQuestion)
	assert.Equal(t, []Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}, got.PendingOptions)
	assert.Equal(t, "direct", got.Metadata["resume"].(map[string]any)["engine"])

	running, err := s.UpdateTask(ctx, created.ID, TaskPatch{
		From:         TaskNeedsInput,
		Status:       StatusPtr(TaskRunning),
		UserResponse: StringPtr("yes"),
	})
	require.NoError(t, err)
	assert.Empty(t, running.PendingQuestion)
	assert.Equal(t, int64(2), running.Version)

	_, err = s.UpdateTask(ctx, created.ID, TaskPatch{Status: StatusPtr(TaskCancelled)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := s.UpdateTask(ctx, created.ID, TaskPatch{Status: StatusPtr(TaskCompleted), Result: StringPtr("booked")})
	require.NoError(t, err)
	assert.Equal(t, "booked", done.Result)

	byStatus, err := s.TasksByStatus(ctx, TaskCompleted, 10)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRejectsUnencodableMetadata(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()

	bad := pausedTask("!a")
	bad.Metadata = map[string]any{"resume": make(chan int)}
	_, err := s.CreateTask(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidTask)
	found, err := s.TasksByStatus(ctx, TaskNeedsInput, 10)
	require.NoError(t, err)
	assert.Empty(t, found, "nothing stored")

	task, err := s.CreateTask(ctx, pausedTask("!a"))
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, task.ID, TaskPatch{From: TaskNeedsInput, Metadata: map[string]any{"resume": func() {}}})
	require.ErrorIs(t, err, ErrInvalidTask)

	kept, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Version, kept.Version)
	assert.Equal(t, map[string]any{"engine": "direct"}, kept.Metadata["resume"])
}

func TestSQLiteConcurrentClaimHasOneWinner(t *testing.T) {
	s, _ := openTestSQLite(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, pausedTask("c"))
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateTask(ctx, created.ID, TaskPatch{
				From:         TaskNeedsInput,
				Status:       StatusPtr(TaskRunning),
				UserResponse: StringPtr("yes"),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestSQLiteStaleTasksAndReminders(t *testing.T) {
	s, clock := openTestSQLite(t)
	ctx := context.Background()

	stale, err := s.CreateTask(ctx, pausedTask("c"))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	fresh, err := s.CreateTask(ctx, pausedTask("c"))
	require.NoError(t, err)
	clock.Advance(time.Hour + time.Minute)

	found, err := s.StaleTasks(ctx, clock.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)

	ok, err := s.MarkReminded(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkReminded(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, ok, "reminder is claimed once")

	found, err = s.StaleTasks(ctx, clock.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, found)

	got, err := s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.True(t, got.ReminderSent)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderSent)
}

func TestSQLiteHeartbeat(t *testing.T) {
	s, clock := openTestSQLite(t)
	ctx := context.Background()

	st, err := s.NodeStatus(ctx, "local", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, st.Online, "no heartbeat yet")

	require.NoError(t, s.UpsertHeartbeat(ctx, "local", map[string]any{"version": "dev"}))
	clock.Advance(60 * time.Second)
	st, err = s.NodeStatus(ctx, "local", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, "dev", st.Metadata["version"])

	clock.Advance(31 * time.Second)
	st, err = s.NodeStatus(ctx, "local", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, st.Online)
}

func TestUnconfiguredDegrades(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	require.NoError(t, err)

	assert.NoError(t, s.SaveMessage(ctx, Message{ChatID: "c", Content: "hi"}))
	msgs, err := s.RecentMessages(ctx, "c", 5)
	assert.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.CreateTask(ctx, pausedTask("c"))
	assert.ErrorIs(t, err, ErrUnconfigured)

	st, err := s.NodeStatus(ctx, "local", time.Minute)
	assert.NoError(t, err)
	assert.False(t, st.Online)
}
