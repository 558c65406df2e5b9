package store

import (
	"context"
	"strings"
	"time"
)

// Unconfigured is the Store used when no database is configured. Reads
// return empty results and writes are dropped, so the relay only loses
// persistence. Task creation fails with ErrUnconfigured because a task that
// was never stored cannot be resumed.
type Unconfigured struct{}

var _ Store = Unconfigured{}

func (Unconfigured) SaveMessage(context.Context, Message) error { return nil }

func (Unconfigured) RecentMessages(context.Context, string, int) ([]Message, error) { return nil, nil }

func (Unconfigured) Memories(context.Context, string, MemoryKind) ([]MemoryItem, error) {
	return nil, nil
}

func (Unconfigured) AddMemory(context.Context, MemoryItem) (*MemoryItem, error) {
	return nil, ErrUnconfigured
}

func (Unconfigured) UpdateMemoryMatch(context.Context, string, MemoryKind, string, MemoryPatch) (*MemoryItem, error) {
	return nil, ErrNotFound
}

func (Unconfigured) SearchMemories(context.Context, string, string, int) ([]MemoryItem, error) {
	return nil, nil
}

func (Unconfigured) CreateTask(context.Context, AsyncTask) (*AsyncTask, error) {
	return nil, ErrUnconfigured
}

func (Unconfigured) UpdateTask(context.Context, string, TaskPatch) (*AsyncTask, error) {
	return nil, ErrNotFound
}

func (Unconfigured) GetTask(context.Context, string) (*AsyncTask, error) { return nil, ErrNotFound }

func (Unconfigured) TasksByStatus(context.Context, TaskStatus, int) ([]AsyncTask, error) {
	return nil, nil
}

func (Unconfigured) StaleTasks(context.Context, time.Time) ([]AsyncTask, error) { return nil, nil }

func (Unconfigured) MarkReminded(context.Context, string) (bool, error) { return false, nil }

func (Unconfigured) UpsertHeartbeat(context.Context, string, map[string]any) error { return nil }

func (Unconfigured) NodeStatus(_ context.Context, nodeID string, _ time.Duration) (NodeStatus, error) {
	return NodeStatus{NodeID: nodeID}, nil
}

func (Unconfigured) Close() error { return nil }

// Open picks a backend from a URL-ish DSN: "postgres://..." or
// "postgresql://..." opens Postgres, anything else non-empty is a SQLite
// path, and "" yields Unconfigured.
func Open(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	switch {
	case dsn == "":
		return Unconfigured{}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, opts...)
	default:
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"), opts...)
	}
}
