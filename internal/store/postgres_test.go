package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Postgres tests run against a live database only when one is provided.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("RELAY_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RELAY_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresTaskRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, pausedTask("pg-chat"))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskNeedsInput, got.Status)
	assert.Len(t, got.PendingOptions, 2)

	_, err = s.UpdateTask(ctx, created.ID, TaskPatch{From: TaskNeedsInput, Status: StatusPtr(TaskCancelled)})
	require.NoError(t, err)
	_, err = s.UpdateTask(ctx, created.ID, TaskPatch{From: TaskNeedsInput, Status: StatusPtr(TaskRunning)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostgresHeartbeat(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertHeartbeat(ctx, "pg-node", map[string]any{"role": "local"}))
	st, err := s.NodeStatus(ctx, "pg-node", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, st.Online)
}

func TestFuseRRF(t *testing.T) {
	now := time.Now()
	a := MemoryItem{ID: "a", CreatedAt: now}
	b := MemoryItem{ID: "b", CreatedAt: now}
	c := MemoryItem{ID: "c", CreatedAt: now}

	fused := fuseRRF([]MemoryItem{a, b}, []MemoryItem{b, c})
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ID, "item in both lists ranks first")
}
