// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
)

// =============================================================================
// STORE
// =============================================================================

// Store is a SessionAPI over a local SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	character_id      TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	selected_scene_id TEXT NOT NULL DEFAULT '',
	pinned            INTEGER NOT NULL DEFAULT 0,
	archived          INTEGER NOT NULL DEFAULT 0,
	memory_blob       TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id          TEXT NOT NULL,
	id                  TEXT NOT NULL,
	role                TEXT NOT NULL,
	content             TEXT NOT NULL DEFAULT '',
	reasoning           TEXT NOT NULL DEFAULT '',
	variants            TEXT,
	selected_variant_id TEXT NOT NULL DEFAULT '',
	pinned              INTEGER NOT NULL DEFAULT 0,
	attachments         TEXT,
	usage               TEXT,
	created_at          TEXT NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created
	ON messages (session_id, created_at, id);
`

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during saves.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSession persists a new session, messages included.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	return s.UpsertSession(ctx, sess)
}

// UpsertSession replaces the session row and upserts its messages. Messages
// absent from sess are left untouched (merge semantics, see package doc).
func (s *Store) UpsertSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, character_id, title, selected_scene_id, pinned, archived, memory_blob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			character_id = excluded.character_id,
			title = excluded.title,
			selected_scene_id = excluded.selected_scene_id,
			pinned = excluded.pinned,
			archived = excluded.archived,
			memory_blob = excluded.memory_blob,
			updated_at = excluded.updated_at`,
		sess.ID, sess.CharacterID, sess.Title, sess.SelectedSceneID,
		boolInt(sess.Pinned), boolInt(sess.Archived), nullableBlob(sess.MemoryBlob),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for i := range sess.Messages {
		if err := upsertMessage(ctx, tx, sess.ID, &sess.Messages[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, tx *sql.Tx, sessionID string, m *model.StoredMessage) error {
	variants, err := marshalJSON(m.Variants)
	if err != nil {
		return fmt.Errorf("encode variants for %s: %w", m.ID, err)
	}
	attachments, err := marshalJSON(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments for %s: %w", m.ID, err)
	}
	usage, err := marshalJSON(m.Usage)
	if err != nil {
		return fmt.Errorf("encode usage for %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, id, role, content, reasoning, variants, selected_variant_id, pinned, attachments, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			role = excluded.role,
			content = excluded.content,
			reasoning = excluded.reasoning,
			variants = excluded.variants,
			selected_variant_id = excluded.selected_variant_id,
			pinned = excluded.pinned,
			attachments = excluded.attachments,
			usage = excluded.usage`,
		sessionID, m.ID, string(m.Role), m.Content, m.Reasoning,
		variants, m.SelectedVariantID, boolInt(m.Pinned), attachments, usage,
		formatTime(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// GetSession returns the full session with all messages.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.GetSessionMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, reasoning, variants, selected_variant_id, pinned, attachments, usage, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionMeta returns the session row without messages.
func (s *Store) GetSessionMeta(ctx context.Context, id string) (*model.Session, error) {
	var (
		sess       model.Session
		pinned     int
		archived   int
		memoryBlob sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, character_id, title, selected_scene_id, pinned, archived, memory_blob, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.CharacterID, &sess.Title, &sess.SelectedSceneID,
			&pinned, &archived, &memoryBlob, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Pinned = pinned != 0
	sess.Archived = archived != 0
	if memoryBlob.Valid && memoryBlob.String != "" {
		sess.MemoryBlob = json.RawMessage(memoryBlob.String)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// ListSessions returns session metadata ordered by last activity.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.character_id, s.title, s.pinned, s.archived, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var metas []model.SessionMeta
	for rows.Next() {
		var (
			meta      model.SessionMeta
			pinned    int
			archived  int
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&meta.ID, &meta.CharacterID, &meta.Title,
			&pinned, &archived, &createdAt, &updatedAt, &meta.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session meta: %w", err)
		}
		meta.Pinned = pinned != 0
		meta.Archived = archived != 0
		meta.CreatedAt = parseTime(createdAt)
		meta.UpdatedAt = parseTime(updatedAt)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backend.ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// PageMessages pages backward through a session's messages. An empty cursor
// addresses the most recent page; the returned cursor addresses the page
// before the oldest returned message.
func (s *Store) PageMessages(ctx context.Context, sessionID, cursor string, limit int) (*backend.MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, role, content, reasoning, variants, selected_variant_id, pinned, attachments, usage, created_at
		FROM messages WHERE session_id = ?`
	args := []any{sessionID}

	if cursor != "" {
		var anchor string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE session_id = ? AND id = ?`,
			sessionID, cursor).Scan(&anchor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, anchor, anchor, cursor)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	var desc []model.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		desc = append(desc, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &backend.MessagePage{}
	if len(desc) > limit {
		page.HasMore = true
		desc = desc[:limit]
	}
	// Rows came newest-first; flip to ascending creation order.
	page.Messages = make([]model.StoredMessage, len(desc))
	for i, m := range desc {
		page.Messages[len(desc)-1-i] = m
	}
	if len(page.Messages) > 0 {
		page.NextCursor = page.Messages[0].ID
	}
	return page, nil
}

// DeleteMessages removes the given messages from a session.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND id = ?`, sessionID, id); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// SetMessagePinned toggles the pin flag of one message.
func (s *Store) SetMessagePinned(ctx context.Context, sessionID, messageID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET pinned = ? WHERE session_id = ? AND id = ?`,
		boolInt(pinned), sessionID, messageID)
	if err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backend.ErrMessageNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*model.StoredMessage, error) {
	var (
		m           model.StoredMessage
		role        string
		variants    sql.NullString
		pinned      int
		attachments sql.NullString
		usage       sql.NullString
		createdAt   string
	)
	if err := row.Scan(&m.ID, &role, &m.Content, &m.Reasoning, &variants,
		&m.SelectedVariantID, &pinned, &attachments, &usage, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = model.Role(role)
	m.Pinned = pinned != 0
	m.CreatedAt = parseTime(createdAt)
	if variants.Valid && variants.String != "" {
		if err := json.Unmarshal([]byte(variants.String), &m.Variants); err != nil {
			return nil, fmt.Errorf("decode variants for %s: %w", m.ID, err)
		}
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for %s: %w", m.ID, err)
		}
	}
	if usage.Valid && usage.String != "" {
		if err := json.Unmarshal([]byte(usage.String), &m.Usage); err != nil {
			return nil, fmt.Errorf("decode usage for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableBlob(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width (no trailing-zero stripping) so lexical order
// matches chronological order in SQL comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
