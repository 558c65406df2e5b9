package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02 15:04:05.000000"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	chat_id      TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	processed_by TEXT NOT NULL DEFAULT 'none',
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);

CREATE TABLE IF NOT EXISTS memories (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	chat_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id, kind, seq);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	chat_id          TEXT NOT NULL,
	thread_id        TEXT NOT NULL DEFAULT '',
	prompt           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	result           TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	current_step     TEXT NOT NULL DEFAULT '',
	pending_question TEXT NOT NULL DEFAULT '',
	pending_options  TEXT NOT NULL DEFAULT '[]',
	user_response    TEXT NOT NULL DEFAULT '',
	processed_by     TEXT NOT NULL DEFAULT '',
	reminder_sent    INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT NOT NULL DEFAULT '{}',
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS node_heartbeats (
	node_id        TEXT PRIMARY KEY,
	last_heartbeat TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}'
);
`

const taskColumns = `id, chat_id, thread_id, prompt, status, result, session_id, current_step,
	pending_question, pending_options, user_response, processed_by, reminder_sent,
	metadata, version, created_at, updated_at`

// SQLite is the single-host Store backed by modernc.org/sqlite.
type SQLite struct {
	db   *sql.DB
	path string
	opts options
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One writer keeps the conditional updates free of SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}

	slog.Info("store opened", "backend", "sqlite", "path", path)
	return &SQLite{db: db, path: path, opts: buildOptions(opts)}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) now() string {
	return s.opts.now().UTC().Format(timeLayout)
}

// --- Messages ---

func (s *SQLite) SaveMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ProcessedBy == "" {
		msg.ProcessedBy = NodeNone
	}
	created := s.now()
	if !msg.CreatedAt.IsZero() {
		created = msg.CreatedAt.UTC().Format(timeLayout)
	}
	meta, err := encodeMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, thread_id, role, content, processed_by, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.ThreadID, msg.Role, msg.Content, msg.ProcessedBy, meta, created,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for the chat, oldest first.
func (s *SQLite) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, role, content, processed_by, metadata, created_at
		FROM messages WHERE chat_id = ?
		ORDER BY seq DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var meta, created string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.Role, &m.Content, &m.ProcessedBy, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = decodeMap(meta)
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Memory ---

func (s *SQLite) Memories(ctx context.Context, chatID string, kind MemoryKind) ([]MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, kind, content, status, created_at, updated_at
		FROM memories WHERE chat_id = ? AND kind = ?
		ORDER BY seq ASC`, chatID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *SQLite) AddMemory(ctx context.Context, item MemoryItem) (*MemoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = "active"
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, chat_id, kind, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ChatID, string(item.Kind), item.Content, item.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}
	item.CreatedAt = parseTime(now)
	item.UpdatedAt = item.CreatedAt
	return &item, nil
}

func (s *SQLite) UpdateMemoryMatch(ctx context.Context, chatID string, kind MemoryKind, match string, patch MemoryPatch) (*MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, kind, content, status, created_at, updated_at
		FROM memories
		WHERE chat_id = ? AND kind = ? AND instr(lower(content), lower(?)) > 0
		ORDER BY seq ASC LIMIT 1`, chatID, string(kind), match)
	item, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find memory: %w", err)
	}

	if patch.Content != nil {
		item.Content = *patch.Content
	}
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content = ?, status = ?, updated_at = ? WHERE id = ?`,
		item.Content, item.Status, now, item.ID,
	); err != nil {
		return nil, fmt.Errorf("update memory %s: %w", item.ID, err)
	}
	item.UpdatedAt = parseTime(now)
	return &item, nil
}

// SearchMemories does a keyword match over every term in query.
func (s *SQLite) SearchMemories(ctx context.Context, chatID, query string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	conditions := []string{"chat_id = ?"}
	args := []any{chatID}
	for _, term := range strings.Fields(query) {
		conditions = append(conditions, "instr(lower(content), lower(?)) > 0")
		args = append(args, term)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, kind, content, status, created_at, updated_at
		FROM memories WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// --- Tasks ---

func (s *SQLite) CreateTask(ctx context.Context, task AsyncTask) (*AsyncTask, error) {
	if err := ValidateNew(&task); err != nil {
		return nil, err
	}
	meta, err := encodeMap(task.Metadata)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task.ID = uuid.NewString()
	task.Version = 1
	now := s.now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ChatID, task.ThreadID, task.Prompt, string(task.Status), task.Result,
		task.SessionID, task.CurrentStep, task.PendingQuestion, encodeChoices(task.PendingOptions),
		task.UserResponse, task.ProcessedBy, boolInt(task.ReminderSent), meta,
		task.Version, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task.CreatedAt = parseTime(now)
	task.UpdatedAt = task.CreatedAt
	slog.Debug("task created", "id", task.ID, "chat", task.ChatID, "status", task.Status)
	return &task, nil
}

// UpdateTask applies patch as an optimistic compare-and-swap on version.
func (s *SQLite) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*AsyncTask, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := ApplyPatch(*current, patch)
	if err != nil {
		return nil, err
	}
	meta, err := encodeMap(next.Metadata)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	next.Version = current.Version + 1
	now := s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, session_id = ?, current_step = ?,
			pending_question = ?, pending_options = ?, user_response = ?, processed_by = ?,
			reminder_sent = ?, metadata = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Status), next.Result, next.SessionID, next.CurrentStep,
		next.PendingQuestion, encodeChoices(next.PendingOptions), next.UserResponse, next.ProcessedBy,
		boolInt(next.ReminderSent), meta, next.Version, now,
		id, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, id)
	}
	next.UpdatedAt = parseTime(now)
	return &next, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*AsyncTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLite) TasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]AsyncTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? ORDER BY updated_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLite) StaleTasks(ctx context.Context, cutoff time.Time) ([]AsyncTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'needs_input' AND reminder_sent = 0 AND updated_at < ?
		ORDER BY updated_at ASC`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// MarkReminded is a single conditional UPDATE, so concurrent sweeps cannot
// both claim the same reminder. updated_at is left unchanged.
func (s *SQLite) MarkReminded(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reminder_sent = 1, version = version + 1
		WHERE id = ? AND status = 'needs_input' AND reminder_sent = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark reminded %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Heartbeats ---

func (s *SQLite) UpsertHeartbeat(ctx context.Context, nodeID string, metadata map[string]any) error {
	meta, err := encodeMap(metadata)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_heartbeats (node_id, last_heartbeat, metadata) VALUES (?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat, metadata = excluded.metadata`,
		nodeID, s.now(), meta,
	)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *SQLite) NodeStatus(ctx context.Context, nodeID string, maxAge time.Duration) (NodeStatus, error) {
	st := NodeStatus{NodeID: nodeID}
	var last, meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_heartbeat, metadata FROM node_heartbeats WHERE node_id = ?`, nodeID,
	).Scan(&last, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("node status: %w", err)
	}
	st.LastHeartbeat = parseTime(last)
	st.Metadata = decodeMap(meta)
	st.Online = s.opts.now().Sub(st.LastHeartbeat) <= maxAge
	return st, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (AsyncTask, error) {
	var t AsyncTask
	var status, options, meta, created, updated string
	var reminded int
	err := row.Scan(&t.ID, &t.ChatID, &t.ThreadID, &t.Prompt, &status, &t.Result, &t.SessionID,
		&t.CurrentStep, &t.PendingQuestion, &options, &t.UserResponse, &t.ProcessedBy, &reminded,
		&meta, &t.Version, &created, &updated)
	if err != nil {
		return t, err
	}
	t.Status = TaskStatus(status)
	t.PendingOptions = decodeChoices(options)
	t.ReminderSent = reminded != 0
	t.Metadata = decodeMap(meta)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]AsyncTask, error) {
	var tasks []AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanMemory(row rowScanner) (MemoryItem, error) {
	var m MemoryItem
	var kind, created, updated string
	if err := row.Scan(&m.ID, &m.ChatID, &kind, &m.Content, &m.Status, &created, &updated); err != nil {
		return m, err
	}
	m.Kind = MemoryKind(kind)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]MemoryItem, error) {
	var items []MemoryItem
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func parseTime(s string) time.Time {
	formats := []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// encodeMap reports values JSON cannot represent instead of dropping them.
func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", ErrInvalidTask, err)
	}
	return string(data), nil
}

func decodeMap(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		slog.Warn("decode metadata", "error", err)
		return nil
	}
	return m
}

func encodeChoices(c []Choice) string {
	if len(c) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(c)
	return string(data)
}

func decodeChoices(s string) []Choice {
	if s == "" || s == "[]" {
		return nil
	}
	var c []Choice
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil
	}
	return c
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
