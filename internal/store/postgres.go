package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// EmbeddingDims is the vector width stored for memory items (nomic-embed-text).
const EmbeddingDims = 768

// rrfK is the Reciprocal Rank Fusion smoothing constant.
const rrfK = 60

// Postgres is the shared Store used when both nodes need the same view of
// heartbeats and tasks. With an Embedder it also keeps pgvector embeddings
// of memory items for semantic recall.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects, verifies the connection and creates the schema.
func OpenPostgres(ctx context.Context, pgURL string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)

	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	if o.embedder != nil {
		// The vector type must exist before connections can register it.
		if err := ensureVectorExtension(ctx, pgURL); err != nil {
			return nil, err
		}
		config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Postgres{pool: pool, opts: o}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("store opened", "backend", "postgres", "semantic", o.embedder != nil)
	return s, nil
}

func ensureVectorExtension(ctx context.Context, pgURL string) error {
	conn, err := pgx.Connect(ctx, pgURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}

func (s *Postgres) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq          BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			chat_id      TEXT NOT NULL,
			thread_id    TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			processed_by TEXT NOT NULL DEFAULT 'none',
			metadata     JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			chat_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			content    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id, kind, seq)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			chat_id          TEXT NOT NULL,
			thread_id        TEXT NOT NULL DEFAULT '',
			prompt           TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			result           TEXT NOT NULL DEFAULT '',
			session_id       TEXT NOT NULL DEFAULT '',
			current_step     TEXT NOT NULL DEFAULT '',
			pending_question TEXT NOT NULL DEFAULT '',
			pending_options  JSONB NOT NULL DEFAULT '[]',
			user_response    TEXT NOT NULL DEFAULT '',
			processed_by     TEXT NOT NULL DEFAULT '',
			reminder_sent    BOOLEAN NOT NULL DEFAULT false,
			metadata         JSONB NOT NULL DEFAULT '{}',
			version          BIGINT NOT NULL DEFAULT 1,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS node_heartbeats (
			node_id        TEXT PRIMARY KEY,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			metadata       JSONB NOT NULL DEFAULT '{}'
		)`,
	}
	if s.opts.embedder != nil {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_embeddings (
				memory_id   TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
				embedding   vector(%d) NOT NULL,
				embedded_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, EmbeddingDims),
			`CREATE INDEX IF NOT EXISTS idx_memory_embeddings_hnsw
				ON memory_embeddings USING hnsw (embedding vector_cosine_ops)
				WITH (m = 16, ef_construction = 64)`,
		)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) now() time.Time {
	return s.opts.now().UTC()
}

// --- Messages ---

func (s *Postgres) SaveMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ProcessedBy == "" {
		msg.ProcessedBy = NodeNone
	}
	created := s.now()
	if !msg.CreatedAt.IsZero() {
		created = msg.CreatedAt.UTC()
	}
	meta, err := encodeMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, chat_id, thread_id, role, content, processed_by, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ChatID, msg.ThreadID, msg.Role, msg.Content, msg.ProcessedBy, meta, created)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Postgres) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, thread_id, role, content, processed_by, metadata, created_at
		FROM (
			SELECT * FROM messages WHERE chat_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.Role, &m.Content, &m.ProcessedBy, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = decodeMap(string(meta))
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Memory ---

const memoryColumns = `id, chat_id, kind, content, status, created_at, updated_at`

func (s *Postgres) Memories(ctx context.Context, chatID string, kind MemoryKind) ([]MemoryItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE chat_id = $1 AND kind = $2 ORDER BY seq ASC`, chatID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *Postgres) AddMemory(ctx context.Context, item MemoryItem) (*MemoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = "active"
	}
	now := s.now()
	_, err := s.pool.Exec(ctx, `INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		item.ID, item.ChatID, string(item.Kind), item.Content, item.Status, now)
	if err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}
	item.CreatedAt, item.UpdatedAt = now, now
	s.embed(ctx, item)
	return &item, nil
}

func (s *Postgres) UpdateMemoryMatch(ctx context.Context, chatID string, kind MemoryKind, match string, patch MemoryPatch) (*MemoryItem, error) {
	var m MemoryItem
	var k string
	err := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE chat_id = $1 AND kind = $2 AND strpos(lower(content), lower($3)) > 0
		ORDER BY seq ASC LIMIT 1`, chatID, string(kind), match,
	).Scan(&m.ID, &m.ChatID, &k, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find memory: %w", err)
	}
	m.Kind = MemoryKind(k)

	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	m.UpdatedAt = s.now()
	if _, err := s.pool.Exec(ctx, `UPDATE memories SET content = $1, status = $2, updated_at = $3 WHERE id = $4`,
		m.Content, m.Status, m.UpdatedAt, m.ID); err != nil {
		return nil, fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	if patch.Content != nil {
		s.embed(ctx, m)
	}
	return &m, nil
}

// embed stores the item's embedding. Failures only cost semantic recall.
func (s *Postgres) embed(ctx context.Context, item MemoryItem) {
	if s.opts.embedder == nil {
		return
	}
	vec, err := s.opts.embedder.EmbedDocument(ctx, item.Content)
	if err != nil {
		slog.Warn("memory embedding failed", "id", item.ID, "error", err)
		return
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_embeddings (memory_id, embedding, embedded_at)
		VALUES ($1, $2, now())
		ON CONFLICT (memory_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, embedded_at = now()`,
		item.ID, pgvector.NewVector(vec))
	if err != nil {
		slog.Warn("store memory embedding", "id", item.ID, "error", err)
	}
}

// SearchMemories fuses keyword and vector results with RRF when an embedder
// is configured, and falls back to keyword-only otherwise.
func (s *Postgres) SearchMemories(ctx context.Context, chatID, query string, limit int) ([]MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	keyword, err := s.keywordSearch(ctx, chatID, query, limit*3)
	if err != nil {
		return nil, err
	}
	if s.opts.embedder == nil || strings.TrimSpace(query) == "" {
		return truncateItems(keyword, limit), nil
	}

	qvec, err := s.opts.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic embed failed, falling back to keyword-only", "error", err)
		return truncateItems(keyword, limit), nil
	}
	vector, err := s.vectorSearch(ctx, chatID, qvec, limit*3)
	if err != nil {
		slog.Warn("vector search failed, falling back to keyword-only", "error", err)
		return truncateItems(keyword, limit), nil
	}
	return truncateItems(fuseRRF(keyword, vector), limit), nil
}

func (s *Postgres) keywordSearch(ctx context.Context, chatID, query string, limit int) ([]MemoryItem, error) {
	conditions := []string{"chat_id = $1"}
	args := []any{chatID}
	for _, term := range strings.Fields(query) {
		args = append(args, term)
		conditions = append(conditions, fmt.Sprintf("strpos(lower(content), lower($%d)) > 0", len(args)))
	}
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE `+
		strings.Join(conditions, " AND ")+fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *Postgres) vectorSearch(ctx context.Context, chatID string, qvec []float32, limit int) ([]MemoryItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.chat_id, m.kind, m.content, m.status, m.created_at, m.updated_at
		FROM memory_embeddings e JOIN memories m ON m.id = e.memory_id
		WHERE m.chat_id = $1
		ORDER BY e.embedding <=> $2
		LIMIT $3`, chatID, pgvector.NewVector(qvec), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// fuseRRF merges ranked lists by Reciprocal Rank Fusion.
func fuseRRF(lists ...[]MemoryItem) []MemoryItem {
	scores := make(map[string]float64)
	items := make(map[string]MemoryItem)
	for _, list := range lists {
		for rank, item := range list {
			scores[item.ID] += 1.0 / float64(rrfK+rank+1)
			items[item.ID] = item
		}
	}
	fused := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		fused = append(fused, item)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		si, sj := scores[fused[i].ID], scores[fused[j].ID]
		if si != sj {
			return si > sj
		}
		return fused[i].CreatedAt.After(fused[j].CreatedAt)
	})
	return fused
}

func truncateItems(items []MemoryItem, limit int) []MemoryItem {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func collectMemories(rows pgx.Rows) ([]MemoryItem, error) {
	var items []MemoryItem
	for rows.Next() {
		var m MemoryItem
		var kind string
		if err := rows.Scan(&m.ID, &m.ChatID, &kind, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Kind = MemoryKind(kind)
		items = append(items, m)
	}
	return items, rows.Err()
}

// --- Tasks ---

func (s *Postgres) CreateTask(ctx context.Context, task AsyncTask) (*AsyncTask, error) {
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
	_, err = s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
		task.ID, task.ChatID, task.ThreadID, task.Prompt, string(task.Status), task.Result,
		task.SessionID, task.CurrentStep, task.PendingQuestion, encodeChoices(task.PendingOptions),
		task.UserResponse, task.ProcessedBy, task.ReminderSent, meta,
		task.Version, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task.CreatedAt, task.UpdatedAt = now, now
	return &task, nil
}

func (s *Postgres) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*AsyncTask, error) {
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
	next.UpdatedAt = s.now()

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, result = $2, session_id = $3, current_step = $4,
			pending_question = $5, pending_options = $6, user_response = $7, processed_by = $8,
			reminder_sent = $9, metadata = $10, version = $11, updated_at = $12
		WHERE id = $13 AND version = $14`,
		string(next.Status), next.Result, next.SessionID, next.CurrentStep,
		next.PendingQuestion, encodeChoices(next.PendingOptions), next.UserResponse, next.ProcessedBy,
		next.ReminderSent, meta, next.Version, next.UpdatedAt,
		id, current.Version)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, id)
	}
	return &next, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*AsyncTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return &tasks[0], nil
}

func (s *Postgres) TasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]AsyncTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	return collectTasks(rows)
}

func (s *Postgres) StaleTasks(ctx context.Context, cutoff time.Time) ([]AsyncTask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'needs_input' AND NOT reminder_sent AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Postgres) MarkReminded(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET reminder_sent = true, version = version + 1
		WHERE id = $1 AND status = 'needs_input' AND NOT reminder_sent`, id)
	if err != nil {
		return false, fmt.Errorf("mark reminded %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func collectTasks(rows pgx.Rows) ([]AsyncTask, error) {
	defer rows.Close()
	var tasks []AsyncTask
	for rows.Next() {
		var t AsyncTask
		var status string
		var options, meta []byte
		if err := rows.Scan(&t.ID, &t.ChatID, &t.ThreadID, &t.Prompt, &status, &t.Result, &t.SessionID,
			&t.CurrentStep, &t.PendingQuestion, &options, &t.UserResponse, &t.ProcessedBy, &t.ReminderSent,
			&meta, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.PendingOptions = decodeChoices(string(options))
		t.Metadata = decodeMap(string(meta))
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Heartbeats ---

func (s *Postgres) UpsertHeartbeat(ctx context.Context, nodeID string, metadata map[string]any) error {
	meta, err := encodeMap(metadata)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO node_heartbeats (node_id, last_heartbeat, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (node_id) DO UPDATE
		SET last_heartbeat = EXCLUDED.last_heartbeat, metadata = EXCLUDED.metadata`,
		nodeID, s.now(), meta)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Postgres) NodeStatus(ctx context.Context, nodeID string, maxAge time.Duration) (NodeStatus, error) {
	st := NodeStatus{NodeID: nodeID}
	var meta []byte
	err := s.pool.QueryRow(ctx, `SELECT last_heartbeat, metadata FROM node_heartbeats WHERE node_id = $1`, nodeID).
		Scan(&st.LastHeartbeat, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("node status: %w", err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &st.Metadata)
	}
	st.Online = s.now().Sub(st.LastHeartbeat) <= maxAge
	return st, nil
}
