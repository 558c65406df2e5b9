// Package store persists conversation messages, memory items, async task
// records and node heartbeats for the relay.
//
// Two backends exist: SQLite (single host, the default) and Postgres (shared
// between the VPS and the local node so heartbeats are visible to both). When
// nothing is configured, Unconfigured is used: every call succeeds with an
// empty result so the relay keeps answering without persistence.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update lost a race or the
	// record was not in the expected status.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidTransition is returned for a task status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrInvalidTask is returned when a patch would break a task invariant.
	ErrInvalidTask = errors.New("store: invalid task")
	// ErrUnconfigured is returned by Unconfigured for operations that cannot
	// pretend to succeed, such as creating a task.
	ErrUnconfigured = errors.New("store: not configured")
)

// Node roles recorded in ProcessedBy.
const (
	NodeLocal = "local"
	NodeVPS   = "vps"
	NodeNone  = "none"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted chat turn.
type Message struct {
	ID          string
	ChatID      string
	ThreadID    string
	Role        string
	Content     string
	ProcessedBy string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// MemoryKind distinguishes long-lived memory items.
type MemoryKind string

const (
	MemoryFact MemoryKind = "fact"
	MemoryGoal MemoryKind = "goal"
)

// MemoryItem is a fact or goal remembered across conversations.
type MemoryItem struct {
	ID        string
	ChatID    string
	Kind      MemoryKind
	Content   string
	Status    string // active, done
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryPatch is a partial update of a memory item. Nil fields are untouched.
type MemoryPatch struct {
	Content *string
	Status  *string
}

// NodeStatus is the heartbeat view of a compute node.
type NodeStatus struct {
	NodeID        string
	Online        bool
	LastHeartbeat time.Time
	Metadata      map[string]any
}

// Store is the persistence contract used by the relay core.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	Memories(ctx context.Context, chatID string, kind MemoryKind) ([]MemoryItem, error)
	AddMemory(ctx context.Context, item MemoryItem) (*MemoryItem, error)
	// UpdateMemoryMatch mutates the first item (in creation order) whose
	// content contains match, case-insensitively. It returns ErrNotFound when
	// nothing matches.
	UpdateMemoryMatch(ctx context.Context, chatID string, kind MemoryKind, match string, patch MemoryPatch) (*MemoryItem, error)
	SearchMemories(ctx context.Context, chatID, query string, limit int) ([]MemoryItem, error)

	CreateTask(ctx context.Context, task AsyncTask) (*AsyncTask, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*AsyncTask, error)
	GetTask(ctx context.Context, id string) (*AsyncTask, error)
	TasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]AsyncTask, error)
	// StaleTasks returns needs_input tasks with no reminder whose last update
	// is before cutoff.
	StaleTasks(ctx context.Context, cutoff time.Time) ([]AsyncTask, error)
	// MarkReminded sets reminder_sent on a stale task. It reports false when
	// another caller already set it.
	MarkReminded(ctx context.Context, id string) (bool, error)

	UpsertHeartbeat(ctx context.Context, nodeID string, metadata map[string]any) error
	NodeStatus(ctx context.Context, nodeID string, maxAge time.Duration) (NodeStatus, error)

	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now      func() time.Time
	embedder Embedder
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEmbedder enables semantic memory search on backends that support it.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Embedder turns text into vectors for memory recall.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
